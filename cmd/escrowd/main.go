package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobescrow/archive"
	"jobescrow/config"
	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/native/escrow"
	"jobescrow/observability"
	"jobescrow/observability/logging"
	telemetry "jobescrow/observability/otel"
	"jobescrow/rpc"
	"jobescrow/storage"
)

const (
	serviceName         = "escrowd"
	idempotencyPurgeGap = time.Hour
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./escrow.toml", "path to the escrowd configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, cfgPath string, logOut io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger, closeLog := logging.Setup(serviceName, cfg.Log.Env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Output:     logOut,
	})
	defer func() { _ = closeLog() }()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Log.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	sinks := []events.Sink{observability.Events()}
	var store *archive.Store
	if cfg.Archive.Driver != "" {
		store, err = archive.Open(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		sinks = append(sinks, store)
	}

	eventLog := events.NewLog(sinks...)
	eventLog.SetErrorHandler(func(err error) {
		logger.Error("event sink failed", "error", err)
	})
	if store != nil {
		if err := restoreEvents(ctx, eventLog, store); err != nil {
			return err
		}
		logger.Info("event log restored", "records", eventLog.Len(), "head", eventLog.Head())
	}

	engine := escrow.NewEngine()
	engine.SetState(state.NewManager(db))
	engine.SetObserver(observability.Ledger())
	engine.SetLogger(logger)
	engine.SetEmitter(eventLog)

	idem, err := rpc.OpenIdempotencyStore(cfg.Idempotency.Path, cfg.Idempotency.TTL.Duration)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer func() { _ = idem.Close() }()
	go purgeIdempotency(ctx, idem, logger)

	srvCfg := rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			Enabled:   cfg.Auth.Enabled,
			Secret:    cfg.Auth.HMACSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		MaxConnections: cfg.MaxConnections,
		Idempotency:    idem,
		Logger:         logger,
	}
	if store != nil {
		srvCfg.Archive = store
	}
	server, err := rpc.NewServer(engine, eventLog, srvCfg)
	if err != nil {
		return err
	}

	logger.Info("escrowd starting",
		"listen", cfg.ListenAddress,
		"storage", cfg.Storage.Backend,
		"archive", cfg.Archive.Driver,
		"auth", cfg.Auth.Enabled,
		logging.MaskField("jwtSecret", cfg.Auth.HMACSecret))
	if err := server.ListenAndServe(ctx, cfg.ListenAddress); err != nil {
		return err
	}
	logger.Info("escrowd stopped")
	return nil
}

// restoreEvents reseeds the in-memory log from the archive so sequences and
// the hash chain continue across restarts.
func restoreEvents(ctx context.Context, eventLog *events.Log, store *archive.Store) error {
	records, err := store.All(ctx)
	if err != nil {
		return fmt.Errorf("load archived events: %w", err)
	}
	if err := eventLog.Restore(records); err != nil {
		if errors.Is(err, events.ErrChainBroken) {
			return fmt.Errorf("archived event chain failed verification: %w", err)
		}
		return fmt.Errorf("restore events: %w", err)
	}
	return nil
}

func purgeIdempotency(ctx context.Context, idem *rpc.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(idempotencyPurgeGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := idem.Purge(ctx)
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency keys purged", "removed", removed)
			}
		}
	}
}
