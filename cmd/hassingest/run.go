package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/hass-ingest-service/internal/adapter/delivery"
	httpadapter "github.com/couchcryptid/hass-ingest-service/internal/adapter/http"
	"github.com/couchcryptid/hass-ingest-service/internal/adapter/influx"
	kafkaadapter "github.com/couchcryptid/hass-ingest-service/internal/adapter/kafka"
	"github.com/couchcryptid/hass-ingest-service/internal/adapter/weather"
	"github.com/couchcryptid/hass-ingest-service/internal/config"
	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/hub"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/hass-ingest-service/internal/pipeline"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

type mode int

const (
	modeIngest mode = iota
	modeStore
	modeAll
)

const spillDrainInterval = 5 * time.Second

// service collects the long-running tasks and the resources to release once
// they have stopped.
type service struct {
	tasks   []func(ctx context.Context) error
	closers []func()
	ready   []sharedobs.ReadinessChecker
	routes  httpadapter.Routes
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func run(parent context.Context, m mode) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if m != modeStore {
		if err := cfg.RequireHub(); err != nil {
			return err
		}
	}
	if m != modeIngest {
		if err := cfg.RequireStore(); err != nil {
			return err
		}
	}

	logger := observability.NewLogger(cfg)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	svc := &service{routes: httpadapter.Routes{Status: metrics.Health}}
	defer svc.close()

	var writer *storage.Writer
	if m != modeIngest {
		writer = buildStore(cfg, svc, m == modeStore, metrics, logger)
	}
	if m != modeStore {
		if err := buildIngest(cfg, svc, writer, metrics, logger); err != nil {
			return err
		}
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.AllReady(svc.ready...), svc.routes, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range svc.tasks {
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// buildStore wires the storage writer and its intakes: POST /v1/events
// always, plus a Kafka consumer when a standalone store receives over Kafka.
func buildStore(cfg *config.Config, svc *service, standalone bool, metrics *observability.Metrics, logger *slog.Logger) *storage.Writer {
	store := influx.NewStore(cfg, logger)
	svc.closers = append(svc.closers, store.Close)
	svc.ready = append(svc.ready, store)

	registry := storage.NewRegistry()
	metrics.Health.WatchSchema(registry.Len)
	writer := storage.NewWriter(store, registry, storage.Options{
		WriteTimeout: cfg.StorageWriteTimeout,
		DedupSize:    cfg.StorageDedupSize,
	}, metrics, logger)
	svc.routes.Events = writer

	if standalone && cfg.DeliveryTransport == config.TransportKafka {
		reader := kafkaadapter.NewReader(cfg, logger)
		svc.closers = append(svc.closers, func() {
			if err := reader.Close(); err != nil {
				logger.Error("kafka reader close error", "error", err)
			}
		})
		consumer := pipeline.NewConsumer(reader, writer, cfg.StorageAttempts, logger, metrics)
		svc.tasks = append(svc.tasks, consumer.Run)
	}
	logger.Info("store enabled", "influx_url", cfg.InfluxURL, "bucket", cfg.InfluxBucket, "transport", cfg.DeliveryTransport)
	return writer
}

// buildIngest wires the hub session, queue, worker pool and delivery client.
// A non-nil local writer means both halves share the process.
func buildIngest(cfg *config.Config, svc *service, local *storage.Writer, metrics *observability.Metrics, logger *slog.Logger) error {
	transport, err := buildTransport(cfg, svc, local, logger)
	if err != nil {
		return err
	}

	var spill *delivery.Spill
	if cfg.SpillPath != "" {
		spill, err = delivery.OpenSpill(cfg.SpillPath, cfg.SpillCapacity)
		if err != nil {
			return err
		}
		svc.closers = append(svc.closers, func() { _ = spill.Close() })
		metrics.Health.WatchSpill(spill.Len)
	}
	client := delivery.NewClient(transport, delivery.OptionsFromConfig(cfg), spill, metrics, logger)
	if spill != nil {
		svc.tasks = append(svc.tasks, func(ctx context.Context) error {
			client.DrainSpill(ctx, spillDrainInterval)
			return nil
		})
	}

	var source domain.WeatherSource
	if cfg.WeatherEnabled {
		provider := weather.NewClient(cfg.WeatherAPIKey, cfg.WeatherBaseURL, cfg.WeatherTimeout, metrics, logger)
		enricher := weather.NewEnricher(provider, weather.Options{
			TTL:       cfg.WeatherTTL,
			Timeout:   cfg.WeatherTimeout,
			PerMinute: cfg.WeatherPerMinute,
			PerDay:    cfg.WeatherPerDay,
			CacheSize: cfg.WeatherCacheSize,
		}, metrics, logger)
		metrics.Health.WatchWeatherBudget(enricher.BudgetRemaining)
		source = enricher
		metrics.WeatherEnabled.Set(1)
		logger.Info("weather enrichment enabled", "location", cfg.WeatherLocation, "ttl", cfg.WeatherTTL,
			"per_minute", cfg.WeatherPerMinute, "per_day", cfg.WeatherPerDay)
	} else {
		logger.Info("weather enrichment disabled")
	}

	// In-process, the normalizer coerces toward the kinds storage has seen.
	var hints domain.TypeHints
	if local != nil {
		hints = local.Registry()
	}

	queue := pipeline.NewQueue(cfg.QueueSize, cfg.QueueBlockTimeout, metrics, logger)
	ingest := pipeline.NewIngest(queue, domain.NewNormalizer(cfg.HubEventTypes, hints), source, client,
		pipeline.IngestOptions{
			Workers:      cfg.WorkerCount,
			DrainTimeout: cfg.ShutdownTimeout,
			Location:     cfg.WeatherLocation,
		}, metrics, logger)
	manager := hub.NewManager(hub.OptionsFromConfig(cfg), queue, metrics, logger)

	svc.tasks = append(svc.tasks, manager.Run, ingest.Run)
	svc.ready = append(svc.ready, manager)
	return nil
}

func buildTransport(cfg *config.Config, svc *service, local *storage.Writer, logger *slog.Logger) (delivery.Transport, error) {
	if local != nil {
		return delivery.NewLocalTransport(local), nil
	}
	switch cfg.DeliveryTransport {
	case config.TransportHTTP:
		logger.Info("delivering over http", "url", cfg.DeliveryURL)
		return delivery.NewHTTPTransport(cfg.DeliveryURL), nil
	case config.TransportKafka:
		w := kafkaadapter.NewWriter(cfg, logger)
		svc.closers = append(svc.closers, func() {
			if err := w.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		})
		logger.Info("delivering over kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return w, nil
	default:
		return nil, fmt.Errorf("unknown delivery transport %q", cfg.DeliveryTransport)
	}
}
