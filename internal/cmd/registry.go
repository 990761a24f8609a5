package cmd

import (
	"fmt"

	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/handler"
	"github.com/dandantas/cadence/internal/lease"
	"github.com/dandantas/cadence/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the data-source registry",
	Long: `Serve the data-source configuration API.

Every create, update and delete is persisted with a new sequence number and
then announced on the changes topic. The registry also exposes the lease of
each data source to external workers.`,
	RunE: runRegistry,
}

func init() {
	rootCmd.AddCommand(registryCmd)
}

func runRegistry(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	svc, err := newServices(ctx, cfg, "registry")
	if err != nil {
		return err
	}
	defer svc.close()

	if err := database.CreateDataSourceIndexes(ctx, svc.db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	if err := events.EnsureTopics(ctx, svc.producer, cfg.KafkaChangesTopic); err != nil {
		return err
	}

	publisher := events.NewPublisher(svc.producer, cfg.KafkaChangesTopic, cfg.KafkaPollingTopic, svc.metrics)
	leases := lease.NewManager(database.NewLeaseRepository(svc.db), cfg.LeaseMaxDuration, cfg.PodID, cfg.Host, svc.metrics)
	dataSources := service.NewDataSourceService(database.NewDataSourceRepository(svc.db), publisher, leases)

	router := svc.router()
	router.DataSources = handler.NewDataSourceHandler(dataSources)

	g, gctx := errgroup.WithContext(ctx)
	svc.serveHTTP(gctx, g, router.Handler())

	return g.Wait()
}
