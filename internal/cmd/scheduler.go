package cmd

import (
	"context"
	"fmt"

	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/handler"
	"github.com/dandantas/cadence/internal/scheduler"
	"github.com/dandantas/cadence/internal/synchronizer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler",
	Long: `Consume data-source change events into schedule records and cron triggers.

Every replica runs the same triggers; a fire is claimed atomically in MongoDB
so exactly one replica publishes the polling event. Events that cannot be
applied are retried and then written to the changes dead-letter topic.`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	svc, err := newServices(ctx, cfg, "scheduler")
	if err != nil {
		return err
	}
	defer svc.close()

	if err := database.CreateScheduleIndexes(ctx, svc.db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	err = events.EnsureTopics(ctx, svc.producer,
		cfg.KafkaChangesTopic,
		events.DeadLetterTopic(cfg.KafkaChangesTopic),
		cfg.KafkaPollingTopic,
	)
	if err != nil {
		return err
	}

	client, err := svc.consumer("scheduler", cfg.KafkaChangesTopic)
	if err != nil {
		return err
	}

	publisher := events.NewPublisher(svc.producer, cfg.KafkaChangesTopic, cfg.KafkaPollingTopic, svc.metrics)
	schedules := database.NewScheduleRepository(svc.db)

	engine := scheduler.NewEngine(schedules, publisher, scheduler.Options{
		ReloadInterval: cfg.SchedulerReloadInterval,
		FireTolerance:  cfg.SchedulerFireTolerance,
		FireRate:       cfg.SchedulerFireRate,
		PodID:          cfg.PodID,
	}, svc.metrics)
	syncer := synchronizer.New(schedules, engine, svc.metrics)

	consumer := events.NewConsumer(events.ConsumerConfig{
		Name:       "changes",
		Workers:    cfg.ConsumerWorkers,
		MaxRetries: cfg.ConsumerMaxRetries,
	}, client, publisher, syncer.HandleRecord, svc.metrics)

	router := svc.router()
	router.Schedules = handler.NewScheduleHandler(engine)

	g, gctx := errgroup.WithContext(ctx)
	engine.Start(gctx)
	consume(gctx, g, consumer, client)
	svc.serveHTTP(gctx, g, router.Handler())

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	engine.Stop(stopCtx)

	return err
}
