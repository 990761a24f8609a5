package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dandantas/cadence/internal/config"
	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/events"
	"github.com/dandantas/cadence/internal/handler"
	"github.com/dandantas/cadence/internal/metrics"
	"github.com/dandantas/cadence/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// services bundles the infrastructure every subcommand starts with
type services struct {
	cfg      *config.Config
	db       *database.MongoDB
	producer *kgo.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newServices(ctx context.Context, cfg *config.Config, name string) (*services, error) {
	logger := zap.L().Named(name)
	logger.Info("Starting service",
		zap.String("version", versionInfo.Version),
		zap.String("commit", versionInfo.Commit),
	)

	db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
	if err != nil {
		return nil, err
	}

	producer, err := events.NewProducerClient(cfg.KafkaBrokers, cfg.KafkaClientID+"-"+name)
	if err != nil {
		_ = db.Disconnect(context.Background())
		return nil, err
	}

	return &services{
		cfg:      cfg,
		db:       db,
		producer: producer,
		metrics:  metrics.New(prometheus.NewRegistry()),
		logger:   logger,
	}, nil
}

// close flushes buffered records and releases connections
func (s *services) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.producer.Flush(ctx); err != nil {
		s.logger.Error("Failed to flush pending events", zap.Error(err))
	}
	s.producer.Close()

	if err := s.db.Disconnect(ctx); err != nil {
		s.logger.Error("Failed to disconnect from MongoDB", zap.Error(err))
	}
	s.logger.Info("Service stopped")
}

func (s *services) consumer(group string, topics ...string) (*kgo.Client, error) {
	return events.NewConsumerClient(s.cfg.KafkaBrokers, s.cfg.KafkaClientID, s.cfg.KafkaConsumerGroup+"-"+group, topics...)
}

func (s *services) router() *handler.Router {
	return &handler.Router{
		Health:  handler.NewHealthHandler(s.db, s.logger.Name(), versionInfo.Version),
		Metrics: s.metrics.Handler(),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   s.cfg.CORSAllowedMethods,
			AllowedHeaders:   s.cfg.CORSAllowedHeaders,
			AllowCredentials: s.cfg.CORSAllowCredentials,
			MaxAge:           s.cfg.CORSMaxAge,
		},
	}
}

// serveHTTP runs the HTTP server in g until ctx is done, then shuts it down
func (s *services) serveHTTP(ctx context.Context, g *errgroup.Group, h http.Handler) {
	server := &http.Server{
		Addr:         ":" + s.cfg.HTTPPort,
		Handler:      h,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
	}

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("port", s.cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})
}

// consume runs c in g and closes client once c returns
func consume(ctx context.Context, g *errgroup.Group, c *events.Consumer, client *kgo.Client) {
	g.Go(func() error {
		defer client.Close()
		return c.Run(ctx)
	})
}
