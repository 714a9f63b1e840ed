// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package config loads and validates the engine configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then WT_-prefixed environment variables, with later layers winning.
// Every hand-tuned detection constant (rarity thresholds, sigma cutoffs,
// similarity threshold, speed ceiling, category weights) is exposed here;
// the defaults are a starting point, not a contract.
package config

import (
	"fmt"
	"time"
)

// Config is the root engine configuration.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Stream   StreamConfig   `koanf:"stream"`
	Storage  StorageConfig  `koanf:"storage"`
	Rules    RulesConfig    `koanf:"rules"`
	Stats    StatsConfig    `koanf:"stats"`
	Outlier  OutlierConfig  `koanf:"outlier"`
	Risk     RiskConfig     `koanf:"risk"`
	Alerting AlertingConfig `koanf:"alerting"`
	Server   ServerConfig   `koanf:"server"`
	Engine   EngineConfig   `koanf:"engine"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// StreamConfig controls the NATS JetStream event consumer.
type StreamConfig struct {
	Enabled          bool          `koanf:"enabled"`
	URL              string        `koanf:"url" validate:"required_if=Enabled true"`
	Topic            string        `koanf:"topic"`
	StreamName       string        `koanf:"stream_name"`
	QueueGroup       string        `koanf:"queue_group"`
	DurableName      string        `koanf:"durable_name"`
	SubscribersCount int           `koanf:"subscribers_count" validate:"min=1"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`
	RetryCount       int           `koanf:"retry_count" validate:"min=0"`
	RetryInterval    time.Duration `koanf:"retry_interval"`
	PoisonTopic      string        `koanf:"poison_topic"`
}

// StorageConfig controls the local badger store used for the
// processed-event index and model snapshots.
type StorageConfig struct {
	Path string `koanf:"path" validate:"required"`

	// ProcessedTTL bounds how long processed event IDs are remembered.
	// At-least-once redelivery far beyond this window would reprocess, so
	// keep it comfortably above the collector's redelivery horizon.
	ProcessedTTL time.Duration `koanf:"processed_ttl"`

	GCInterval time.Duration `koanf:"gc_interval"`
}

// RulesConfig holds default thresholds for the deterministic rules.
// Tenant rule definitions override these per tenant.
type RulesConfig struct {
	TimeWindow TimeWindowRuleConfig `koanf:"time_window"`
	GeoFence   GeoFenceRuleConfig   `koanf:"geo_fence"`
	NewDevice  NewDeviceRuleConfig  `koanf:"new_device"`
	Velocity   VelocityRuleConfig   `koanf:"velocity"`
	Frequency  FrequencyRuleConfig  `koanf:"frequency"`
}

// TimeWindowRuleConfig configures the allowed-hours rule.
type TimeWindowRuleConfig struct {
	Enabled      bool  `koanf:"enabled"`
	AllowedHours []int `koanf:"allowed_hours" validate:"dive,min=0,max=23"`
}

// GeoFenceRuleConfig configures the country deny/allow rule.
type GeoFenceRuleConfig struct {
	Enabled          bool     `koanf:"enabled"`
	DeniedCountries  []string `koanf:"denied_countries"`
	AllowedCountries []string `koanf:"allowed_countries"`
}

// NewDeviceRuleConfig configures the unseen-fingerprint rule.
type NewDeviceRuleConfig struct {
	Enabled bool `koanf:"enabled"`

	// MinProfileSamples suppresses new-device noise for near-empty profiles.
	MinProfileSamples int `koanf:"min_profile_samples" validate:"min=0"`
}

// VelocityRuleConfig configures the impossible-travel rule.
type VelocityRuleConfig struct {
	Enabled bool `koanf:"enabled"`

	// MaxSpeedKmH is the plausible travel ceiling (default 900, commercial flight).
	MaxSpeedKmH float64 `koanf:"max_speed_kmh" validate:"gt=0"`

	// MinDistanceKm ignores transitions between nearby locations.
	MinDistanceKm float64 `koanf:"min_distance_km" validate:"min=0"`
}

// FrequencyRuleConfig configures the trailing-window event count rule.
type FrequencyRuleConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Window    time.Duration `koanf:"window"`
	MaxEvents int           `koanf:"max_events" validate:"gt=0"`
}

// StatsConfig configures the statistical detector.
type StatsConfig struct {
	// MinSamples guards the histogram checks; below this no signal is emitted.
	MinSamples int `koanf:"min_samples" validate:"min=1"`

	HourRarity     float64 `koanf:"hour_rarity" validate:"gt=0,lt=1"`
	LocationRarity float64 `koanf:"location_rarity" validate:"gt=0,lt=1"`
	WeekdayRarity  float64 `koanf:"weekday_rarity" validate:"gt=0,lt=1"`

	// HighSeverityBelow escalates severity when P drops under it.
	HighSeverityBelow float64 `koanf:"high_severity_below" validate:"gt=0,lt=1"`

	// Z-score settings for the aggregated counter series.
	ZScoreMetric    string        `koanf:"zscore_metric"`
	ZScoreWindow    time.Duration `koanf:"zscore_window"`
	ZScorePeriods   int           `koanf:"zscore_periods" validate:"min=7"`
	ZScoreThreshold float64       `koanf:"zscore_threshold" validate:"gt=0"`
	ZScoreHigh      float64       `koanf:"zscore_high" validate:"gt=0"`
}

// OutlierConfig configures the per-tenant outlier model.
type OutlierConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Trees           int           `koanf:"trees" validate:"min=1"`
	SampleSize      int           `koanf:"sample_size" validate:"min=2"`
	MinSamples      int           `koanf:"min_samples" validate:"min=2"`
	Contamination   float64       `koanf:"contamination" validate:"gt=0,lt=0.5"`
	TrainingWindow  time.Duration `koanf:"training_window"`
	ModelTTL        time.Duration `koanf:"model_ttl"`
	RetrainInterval time.Duration `koanf:"retrain_interval"`
	TrainTimeout    time.Duration `koanf:"train_timeout"`
}

// RiskConfig configures the scoring aggregator.
type RiskConfig struct {
	// Category weights must sum to 1.0.
	WeightHistorical float64 `koanf:"weight_historical" validate:"min=0,max=1"`
	WeightAnomaly    float64 `koanf:"weight_anomaly" validate:"min=0,max=1"`
	WeightAccess     float64 `koanf:"weight_access" validate:"min=0,max=1"`
	WeightIndicator  float64 `koanf:"weight_indicator" validate:"min=0,max=1"`
	WeightBehavior   float64 `koanf:"weight_behavior" validate:"min=0,max=1"`

	// DecayHalfLife halves an unrefreshed score every period.
	DecayHalfLife time.Duration `koanf:"decay_half_life"`

	// DecaySweepInterval is how often the background sweep re-persists
	// decayed scores.
	DecaySweepInterval time.Duration `koanf:"decay_sweep_interval"`
}

// AlertingConfig configures dedup, correlation and filtering.
type AlertingConfig struct {
	DedupWindow         time.Duration `koanf:"dedup_window"`
	SimilarityThreshold float64       `koanf:"similarity_threshold" validate:"gt=0,lte=1"`

	CorrelationWindow   time.Duration `koanf:"correlation_window"`
	CorrelationMinCount int           `koanf:"correlation_min_count" validate:"min=2"`

	// MinConfidence downgrades alerts below it; NotifyConfidence gates the
	// outbound notification payload.
	MinConfidence    float64 `koanf:"min_confidence" validate:"min=0,max=1"`
	NotifyConfidence float64 `koanf:"notify_confidence" validate:"min=0,max=1"`

	// FalsePositiveRate/MinSamples gate the historical FP downgrade.
	FalsePositiveRate       float64 `koanf:"false_positive_rate" validate:"gt=0,lt=1"`
	FalsePositiveMinSamples int     `koanf:"false_positive_min_samples" validate:"min=1"`

	WebhookURL         string        `koanf:"webhook_url"`
	WebhookRatePerSec  float64       `koanf:"webhook_rate_per_sec" validate:"min=0"`
	WebhookBurst       int           `koanf:"webhook_burst" validate:"min=1"`
	WebhookTimeout     time.Duration `koanf:"webhook_timeout"`
}

// ServerConfig configures the operational HTTP endpoints.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EngineConfig configures the processing pipeline itself.
type EngineConfig struct {
	// StoreTimeout bounds every external lookup; a timeout degrades to
	// "signal unavailable", never to pipeline failure.
	StoreTimeout time.Duration `koanf:"store_timeout"`

	// ProfileMaxAge is the behavior retention window for subject profiles.
	ProfileMaxAge time.Duration `koanf:"profile_max_age"`

	// AgeSweepInterval is how often profiles are aged.
	AgeSweepInterval time.Duration `koanf:"age_sweep_interval"`

	// Breaker settings for alert/risk persistence.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold" validate:"min=1"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Stream: StreamConfig{
			Enabled:          false,
			URL:              "nats://127.0.0.1:4222",
			Topic:            "access.events",
			StreamName:       "ACCESS",
			QueueGroup:       "watchtower",
			DurableName:      "watchtower-engine",
			SubscribersCount: 4,
			AckWaitTimeout:   30 * time.Second,
			CloseTimeout:     30 * time.Second,
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			RetryCount:       3,
			RetryInterval:    100 * time.Millisecond,
			PoisonTopic:      "access.poison",
		},
		Storage: StorageConfig{
			Path:         "/data/watchtower",
			ProcessedTTL: 72 * time.Hour,
			GCInterval:   10 * time.Minute,
		},
		Rules: RulesConfig{
			TimeWindow: TimeWindowRuleConfig{
				Enabled:      true,
				AllowedHours: nil, // no restriction until configured
			},
			GeoFence: GeoFenceRuleConfig{
				Enabled: true,
			},
			NewDevice: NewDeviceRuleConfig{
				Enabled:           true,
				MinProfileSamples: 5,
			},
			Velocity: VelocityRuleConfig{
				Enabled:       true,
				MaxSpeedKmH:   900,
				MinDistanceKm: 50,
			},
			Frequency: FrequencyRuleConfig{
				Enabled:   true,
				Window:    time.Hour,
				MaxEvents: 60,
			},
		},
		Stats: StatsConfig{
			MinSamples:        8,
			HourRarity:        0.05,
			LocationRarity:    0.02,
			WeekdayRarity:     0.05,
			HighSeverityBelow: 0.01,
			ZScoreMetric:      "event_volume",
			ZScoreWindow:      14 * 24 * time.Hour,
			ZScorePeriods:     7,
			ZScoreThreshold:   2.5,
			ZScoreHigh:        3.0,
		},
		Outlier: OutlierConfig{
			Enabled:         true,
			Trees:           100,
			SampleSize:      256,
			MinSamples:      100,
			Contamination:   0.05,
			TrainingWindow:  90 * 24 * time.Hour,
			ModelTTL:        7 * 24 * time.Hour,
			RetrainInterval: 24 * time.Hour,
			TrainTimeout:    5 * time.Minute,
		},
		Risk: RiskConfig{
			WeightHistorical:   0.25,
			WeightAnomaly:      0.30,
			WeightAccess:       0.20,
			WeightIndicator:    0.15,
			WeightBehavior:     0.10,
			DecayHalfLife:      7 * 24 * time.Hour,
			DecaySweepInterval: 24 * time.Hour,
		},
		Alerting: AlertingConfig{
			DedupWindow:             time.Hour,
			SimilarityThreshold:     0.8,
			CorrelationWindow:       24 * time.Hour,
			CorrelationMinCount:     3,
			MinConfidence:           0.5,
			NotifyConfidence:        0.7,
			FalsePositiveRate:       0.6,
			FalsePositiveMinSamples: 20,
			WebhookRatePerSec:       2,
			WebhookBurst:            5,
			WebhookTimeout:          10 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			StoreTimeout:            2 * time.Second,
			ProfileMaxAge:           30 * 24 * time.Hour,
			AgeSweepInterval:        24 * time.Hour,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
	}
}

// RiskWeightSum returns the sum of the five category weights.
func (c *Config) RiskWeightSum() float64 {
	return c.Risk.WeightHistorical + c.Risk.WeightAnomaly + c.Risk.WeightAccess +
		c.Risk.WeightIndicator + c.Risk.WeightBehavior
}

// weightSumEpsilon tolerates float accumulation error in the weight check.
const weightSumEpsilon = 1e-9

func (c *Config) validateWeights() error {
	sum := c.RiskWeightSum()
	if sum < 1-weightSumEpsilon || sum > 1+weightSumEpsilon {
		return fmt.Errorf("risk category weights must sum to 1.0, got %v", sum)
	}
	return nil
}
