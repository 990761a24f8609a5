package cmd

import (
	"context"

	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/lease"
	"github.com/dandantas/cadence/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a processing worker",
	Long: `Consume polling events and process each data source under its lease.

A polling event for a data source that is already leased is skipped. Leases
held longer than the maximum duration are reclaimed by a periodic sweep, and
leases held by this worker are released on shutdown.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	svc, err := newServices(ctx, cfg, "worker")
	if err != nil {
		return err
	}
	defer svc.close()

	err = events.EnsureTopics(ctx, svc.producer,
		cfg.KafkaPollingTopic,
		events.DeadLetterTopic(cfg.KafkaPollingTopic),
	)
	if err != nil {
		return err
	}

	client, err := svc.consumer("worker", cfg.KafkaPollingTopic)
	if err != nil {
		return err
	}

	publisher := events.NewPublisher(svc.producer, cfg.KafkaChangesTopic, cfg.KafkaPollingTopic, svc.metrics)
	leases := lease.NewManager(database.NewLeaseRepository(svc.db), cfg.LeaseMaxDuration, cfg.PodID, cfg.Host, svc.metrics)
	processor := service.NewProcessor(
		service.NewHTTPClient(cfg.ProcessorTimeout),
		cfg.ProcessorURL,
		cfg.ProcessorResultPath,
		database.NewDataSourceRepository(svc.db),
		leases,
		svc.metrics,
	)

	consumer := events.NewConsumer(events.ConsumerConfig{
		Name:       "polling",
		Workers:    cfg.ConsumerWorkers,
		MaxRetries: cfg.ConsumerMaxRetries,
	}, client, publisher, processor.HandleRecord, svc.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		leases.StartReclaimer(gctx, cfg.LeaseReclaimPeriod)
		return nil
	})
	consume(gctx, g, consumer, client)
	svc.serveHTTP(gctx, g, svc.router().Handler())

	err = g.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, relErr := leases.ReleaseAllOwned(releaseCtx); relErr != nil {
		svc.logger.Error("Failed to release leases during shutdown", zap.Error(relErr))
	}

	return err
}
