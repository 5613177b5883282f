package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/spf13/cobra"

	"scanguard/internal/alerts"
	"scanguard/internal/api"
	"scanguard/internal/config"
	"scanguard/internal/engine"
	"scanguard/internal/ingest"
	"scanguard/internal/logging"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
	"scanguard/internal/storage"
)

func runServe(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(config.ResolvePath(cfgFile))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.NewLogger(level, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	archive, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if archive != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := archive.Init(initCtx)
		cancel()
		if err != nil {
			_ = archive.Close()
			return fmt.Errorf("init %s archive: %w", cfg.Storage.Driver, err)
		}
		logger.Info("alert archive ready", "driver", cfg.Storage.Driver)
	}

	memory := alerts.NewStore(cfg.Alerts.StoreLimit)
	hub := api.NewHub(logger)
	dispatcher := alerts.NewDispatcher(logger, m, cfg.Alerts.QueueSize, cfg.Alerts.SendTimeout, memory, hub)
	if cfg.Alerts.Log {
		dispatcher.AddSink(alerts.NewLogSink(logger))
	}
	if s := cfg.Alerts.SIEM; s.Enabled {
		dispatcher.AddSink(alerts.NewSIEMSink(s.Addr, s.Format))
	}
	if e := cfg.Alerts.Email; e.Enabled {
		dispatcher.AddSink(alerts.NewEmailSink(e.SMTPAddr, e.Username, e.Password, e.From, e.To))
	}
	if k := cfg.Alerts.Kafka; k.Enabled {
		dispatcher.AddSink(alerts.NewKafkaSink(k.Brokers, k.Topic))
	}
	if archive != nil {
		dispatcher.AddSink(archive)
	}
	dispatcher.Start()
	logger.Info("alert sinks ready", "sinks", dispatcher.Sinks())

	// Process-wide; read once when the window store map is built.
	cmap.SHARD_COUNT = cfg.Detection.Shards
	eng, err := engine.NewEngine(cfg, logger, m, dispatcher)
	if err != nil {
		_ = dispatcher.Close(context.Background())
		return err
	}

	// Workers outlive the ingest context and drain the channel once the pipe
	// closes it.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	records := make(chan model.Record, cfg.Ingest.ChannelBuffer)
	eng.Start(engineCtx, records)

	go mgr.Watch(3*time.Second, func(next *config.Config) {
		if err := eng.UpdateConfig(next); err != nil {
			logger.Warn("config reload rejected", "err", err)
			return
		}
		logger.Info("config reloaded",
			"fast_threshold", next.Detection.FastScanPortThreshold,
			"fast_window", next.Detection.FastScanWindowDuration.String(),
			"slow_threshold", next.Detection.SlowScanPortThreshold,
			"slow_window", next.Detection.SlowScanWindowDuration.String(),
		)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	opts := api.Options{
		Alerts:  memory,
		Archive: archive,
		Hub:     hub,
		Sinks:   dispatcher.Sinks,
		Version: Version,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = m
	}
	api.Start(ctx, mgr, eng, logger, opts)

	pipe := ingest.NewPipe(records, logger, m)
	ingest.StartSyslog(ctx, cfg.Ingest.Syslog, pipe, logger)
	ingest.StartREST(ctx, cfg.Ingest.REST, pipe, logger)
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, pipe, logger)
	ingest.StartFileTail(ctx, cfg.Ingest.FileTail, pipe, logger)

	logger.Info("scanguard started", "version", Version, "config", mgr.Path())
	<-ctx.Done()
	logger.Info("shutting down")

	pipe.Close()
	eng.Wait()
	cancelEngine()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("alert dispatcher shutdown incomplete", "err", err)
	}
	stats := eng.Stats()
	logger.Info("shutdown complete",
		"records", stats.Records,
		"events", stats.Events,
		"fast_alerts", stats.FastAlerts,
		"slow_alerts", stats.SlowAlerts,
	)
	return nil
}
