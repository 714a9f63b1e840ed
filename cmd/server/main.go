// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package main is the entry point for the Watchtower server.
//
// Watchtower consumes access and authentication events from NATS
// JetStream, evaluates them against per-tenant detection rules,
// behavioral baselines and a trained outlier model, maintains composite
// risk scores per subject, and exposes alerts, incidents and scores over
// a read-only ops API.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, optional YAML file, WT_ env vars)
//  2. Logging (zerolog, global logger)
//  3. Badger store (processed-event index, model snapshots)
//  4. Detection stack (rules, statistics, outlier manager, risk, alerting)
//  5. Supervisor tree (stream consumer, background sweeps, HTTP server)
//
// Shutdown is signal-driven: SIGINT/SIGTERM cancel the root context and
// the supervisor tree drains each layer within its shutdown timeout.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/watchtower-sec/watchtower/internal/alerting"
	"github.com/watchtower-sec/watchtower/internal/api"
	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/engine"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/outlier"
	"github.com/watchtower-sec/watchtower/internal/profile"
	"github.com/watchtower-sec/watchtower/internal/risk"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/stats"
	"github.com/watchtower-sec/watchtower/internal/store"
	"github.com/watchtower-sec/watchtower/internal/stream"
	"github.com/watchtower-sec/watchtower/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides WT_CONFIG_PATH)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().
		Str("stream_url", cfg.Stream.URL).
		Str("storage_path", cfg.Storage.Path).
		Bool("stream_enabled", cfg.Stream.Enabled).
		Msg("Starting Watchtower")

	db, err := store.OpenBadger(cfg.Storage.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open badger store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing badger store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores. Profiles, history, alerts and risk scores are in-memory and
	// rebuilt from the stream; badger keeps what must survive restarts.
	history := store.NewMemoryHistory(cfg.Engine.ProfileMaxAge)
	profiles := profile.NewStore()
	alerts := store.NewMemoryAlertStore()
	risks := store.NewMemoryRiskStore()
	ruleSource := store.NewMemoryRuleSource()
	processed := store.NewProcessedIndex(db, cfg.Storage.ProcessedTTL)
	snapshots := store.NewSnapshotStore(db)

	// Detection stack.
	registry := rules.NewRegistry(history, cfg.Rules)
	if err := registry.Refresh(ctx, ruleSource); err != nil {
		logging.Warn().Err(err).Msg("Initial rule refresh failed, using defaults")
	}
	outliers := outlier.NewManager(cfg.Outlier, history, snapshots)
	aggregator := risk.NewAggregator(cfg.Risk)
	notifier := alerting.NewWebhookNotifier(cfg.Alerting)

	processor := engine.New(cfg.Engine, cfg.Alerting, engine.Deps{
		Processed:  processed,
		Profiles:   profiles,
		History:    history,
		Registry:   registry,
		Histogram:  stats.NewHistogramDetector(cfg.Stats),
		ZScore:     stats.NewZScoreDetector(history, cfg.Stats),
		Outliers:   outliers,
		Aggregator: aggregator,
		RiskStore:  risks,
		AlertStore: alerts,
		Dedup:      alerting.NewDeduplicator(alerts, cfg.Alerting),
		Correlator: alerting.NewCorrelator(alerts, cfg.Alerting),
		Filter:     alerting.NewFilter(alerts, cfg.Alerting),
		Notifier:   notifier,
	})

	tree := supervisor.NewTree(supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	streamReady := !cfg.Stream.Enabled
	if cfg.Stream.Enabled {
		consumer, err := stream.NewConsumer(cfg.Stream, processor)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create stream consumer")
		}
		tree.AddIngestService(consumer)
		streamReady = true
	} else {
		logging.Warn().Msg("Stream consumer disabled, no events will be processed")
	}

	tree.AddBackgroundService(outlier.NewTrainer(outliers, history, cfg.Outlier.RetrainInterval, cfg.Outlier.TrainTimeout))
	tree.AddBackgroundService(risk.NewSweeper(aggregator, risks, cfg.Risk.DecaySweepInterval))
	tree.AddBackgroundService(profile.NewAger(profiles, cfg.Engine.ProfileMaxAge, cfg.Engine.AgeSweepInterval))
	tree.AddBackgroundService(store.NewGCService(db, cfg.Storage.GCInterval))

	handler := api.NewHandler(alerts, risks, outliers, func() bool { return streamReady })
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", cfg.Server.Addr).Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree terminated")
	}

	if err := processed.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing processed-event index")
	}
	logging.Info().Msg("Watchtower stopped")
}
