// Command lendingd runs the lending engine as a standalone daemon: the
// outbox relay, the job workers and the scheduled triggers over a PostgreSQL
// store, with optional Redis, Kafka and Prometheus integrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/lending"
	audithook "github.com/xraph/lending/audit_hook"
	"github.com/xraph/lending/cache/redis"
	"github.com/xraph/lending/config"
	"github.com/xraph/lending/observability"
	"github.com/xraph/lending/outbox/kafka"
	"github.com/xraph/lending/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lendingd exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("lendingd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}

	opts := []lending.Option{
		lending.WithLogger(logger),
		lending.WithWorkers(cfg.Engine.Workers),
		lending.WithRelayInterval(cfg.Engine.RelayInterval.Duration),
		lending.WithMaxPriceAge(cfg.Engine.MaxPriceAge.Duration),
		lending.WithMaxRetries(cfg.Engine.MaxRetries),
		lending.WithDisbursalApproval(cfg.Engine.DisbursalApproval),
		lending.WithSchedule(lending.Schedule{
			Obligations: cfg.Engine.ObligationSchedule,
			Collateral:  cfg.Engine.CollateralSchedule,
			Interest:    cfg.Engine.InterestSchedule,
		}),
	}

	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		opts = append(opts,
			lending.WithPriceSource(redis.NewPriceCache(rc).WithKey(cfg.Redis.PriceKey)),
			lending.WithLocker(redis.NewLocker(rc)),
		)
		logger.Info("redis price cache and scheduler lock enabled", slog.String("addr", cfg.Redis.Addr))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.New(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: "lendingd",
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, lending.WithPublisher(pub))
		logger.Info("kafka outbox publisher enabled",
			slog.String("brokers", strings.Join(cfg.Kafka.Brokers, ",")),
			slog.String("topic", cfg.Kafka.Topic),
		)
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, lending.WithPlugin(
			observability.NewMetricsExtension(observability.NewPrometheusFactory(nil))))
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Engine.AuditLog {
		opts = append(opts, lending.WithPlugin(audithook.New(auditLogger(logger))))
	}

	engine := lending.New(store, opts...)
	if err := engine.Start(ctx); err != nil {
		_ = store.Close()
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return engine.Stop()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// auditLogger writes the audit trail to the process log.
func auditLogger(logger *slog.Logger) audithook.Recorder {
	audit := logger.With(slog.String("component", "audit"))
	return audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		audit.InfoContext(ctx, ev.Action,
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("facility_id", ev.FacilityID),
			slog.String("category", ev.Category),
			slog.String("severity", ev.Severity),
			slog.String("outcome", ev.Outcome),
			slog.String("reason", ev.Reason),
			slog.Any("metadata", ev.Metadata),
		)
		return nil
	})
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, hopts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, hopts))
}
