// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package engine wires the detection pipeline: idempotency check, feature
// extraction, parallel detector fan-out, then serialized per-subject
// profile update, risk aggregation and alert handling.
//
// Degradation policy: a failing detector or data source costs its signal,
// never the event. Only alert and risk persistence failures propagate to
// the caller, where stream redelivery retries them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/watchtower-sec/watchtower/internal/alerting"
	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/feature"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
	"github.com/watchtower-sec/watchtower/internal/outlier"
	"github.com/watchtower-sec/watchtower/internal/risk"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/stats"
)

// ProcessedIndex is the idempotency check for at-least-once delivery.
// Unmark releases the mark when persistence failed after it was taken,
// so the stream redelivery is processed instead of skipped.
type ProcessedIndex interface {
	CheckAndMark(ctx context.Context, tenantID, eventID string) (bool, error)
	Unmark(ctx context.Context, tenantID, eventID string) error
}

// HistoryRecorder receives every processed event with its feature vector.
type HistoryRecorder interface {
	Record(event *models.Event, vector []float64)
}

// Engine is the per-event processing pipeline.
type Engine struct {
	cfg      config.EngineConfig
	notifyAt float64

	processed ProcessedIndex
	profiles  models.ProfileStore
	history   HistoryRecorder

	registry  *rules.Registry
	histogram *stats.HistogramDetector
	zscore    *stats.ZScoreDetector
	outliers  *outlier.Manager

	aggregator *risk.Aggregator
	riskStore  models.RiskStore

	alertStore models.AlertStore
	dedup      *alerting.Deduplicator
	correlator *alerting.Correlator
	filter     *alerting.Filter
	notifier   alerting.Notifier

	subjectLocks *keyedMutex

	alertBreaker *gobreaker.CircuitBreaker[any]
	riskBreaker  *gobreaker.CircuitBreaker[any]
}

// Deps carries the engine's collaborators.
type Deps struct {
	Processed  ProcessedIndex
	Profiles   models.ProfileStore
	History    HistoryRecorder
	Registry   *rules.Registry
	Histogram  *stats.HistogramDetector
	ZScore     *stats.ZScoreDetector
	Outliers   *outlier.Manager
	Aggregator *risk.Aggregator
	RiskStore  models.RiskStore
	AlertStore models.AlertStore
	Dedup      *alerting.Deduplicator
	Correlator *alerting.Correlator
	Filter     *alerting.Filter
	Notifier   alerting.Notifier
}

// New builds the engine.
func New(engineCfg config.EngineConfig, alertingCfg config.AlertingConfig, deps Deps) *Engine {
	return &Engine{
		cfg:          engineCfg,
		notifyAt:     alertingCfg.NotifyConfidence,
		processed:    deps.Processed,
		profiles:     deps.Profiles,
		history:      deps.History,
		registry:     deps.Registry,
		histogram:    deps.Histogram,
		zscore:       deps.ZScore,
		outliers:     deps.Outliers,
		aggregator:   deps.Aggregator,
		riskStore:    deps.RiskStore,
		alertStore:   deps.AlertStore,
		dedup:        deps.Dedup,
		correlator:   deps.Correlator,
		filter:       deps.Filter,
		notifier:     deps.Notifier,
		subjectLocks: newKeyedMutex(),
		alertBreaker: newPersistenceBreaker("alert-store", engineCfg.BreakerFailureThreshold, engineCfg.BreakerTimeout),
		riskBreaker:  newPersistenceBreaker("risk-store", engineCfg.BreakerFailureThreshold, engineCfg.BreakerTimeout),
	}
}

// Process runs one event through the pipeline. Safe for concurrent use.
func (e *Engine) Process(ctx context.Context, event *models.Event) error {
	start := time.Now()
	defer func() {
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if event.EventID == "" || event.TenantID == "" || event.SubjectID == "" {
		return fmt.Errorf("event missing required identifiers")
	}

	duplicate, err := e.processed.CheckAndMark(ctx, event.TenantID, event.EventID)
	if err != nil {
		// A broken index must not stall the stream; worst case is one
		// reprocessed event, which downstream dedup absorbs.
		logging.Warn().Err(err).Str("event_id", event.EventID).Msg("Idempotency check unavailable")
	}
	if duplicate {
		metrics.EventsDuplicate.Inc()
		logging.Debug().Str("event_id", event.EventID).Msg("Skipping duplicate event")
		return nil
	}

	vector := feature.Extract(event)

	profile := e.loadProfile(ctx, event)
	signals := e.detect(ctx, event, profile, vector)

	unlock := e.subjectLocks.Lock(event.TenantID + "\x00" + event.SubjectID)
	persistErr := e.apply(ctx, event, vector, signals)
	unlock()

	if persistErr != nil {
		// Release the idempotency mark so the redelivery is processed
		// rather than skipped as a duplicate.
		if err := e.processed.Unmark(ctx, event.TenantID, event.EventID); err != nil {
			logging.Warn().Err(err).Str("event_id", event.EventID).Msg("Could not release idempotency mark")
		}
		return persistErr
	}

	metrics.EventsProcessed.WithLabelValues(event.TenantID, string(event.Outcome)).Inc()
	return nil
}

// loadProfile fetches the subject profile under the store timeout. A miss
// or timeout degrades to nil; profile-dependent detectors then skip.
func (e *Engine) loadProfile(ctx context.Context, event *models.Event) *models.SubjectProfile {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	profile, err := e.profiles.GetProfile(storeCtx, event.TenantID, event.SubjectID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			metrics.StoreTimeouts.WithLabelValues("profile").Inc()
			logging.Warn().Err(err).Str("subject_id", event.SubjectID).Msg("Profile lookup degraded")
		}
		return nil
	}
	return profile
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// detect fans out to all detectors in parallel and collects their
// signals. Detectors read the profile clone and shared read-only state
// only, so they need no coordination beyond the wait group.
func (e *Engine) detect(ctx context.Context, event *models.Event, profile *models.SubjectProfile, vector []float64) []*models.Signal {
	var mu sync.Mutex
	var signals []*models.Signal

	add := func(source string, got []*models.Signal, err error) {
		if err != nil {
			if models.Skippable(err) {
				metrics.DetectorSkips.WithLabelValues(source, models.SkipReason(err)).Inc()
			} else {
				metrics.DetectorErrors.WithLabelValues(source).Inc()
				logging.Warn().Err(err).
					Str("detector", source).
					Str("event_id", event.EventID).
					Msg("Detector degraded")
			}
		}
		if len(got) == 0 {
			return
		}
		mu.Lock()
		signals = append(signals, got...)
		mu.Unlock()
		for _, s := range got {
			metrics.SignalsEmitted.WithLabelValues(string(s.Source), string(s.Kind)).Inc()
		}
	}

	var wg sync.WaitGroup

	for _, rule := range e.registry.Rules(event.TenantID) {
		if !rule.Enabled() {
			continue
		}
		wg.Add(1)
		go func(r rules.Rule) {
			defer wg.Done()
			signal, err := r.Evaluate(ctx, event, profile)
			if signal != nil {
				add(string(r.Type()), []*models.Signal{signal}, err)
			} else {
				add(string(r.Type()), nil, err)
			}
		}(rule)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		add("histogram", e.histogram.Detect(event, profile), nil)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		storeCtx, cancel := e.storeContext(ctx)
		defer cancel()
		signal, err := e.zscore.Detect(storeCtx, event.TenantID)
		if signal != nil {
			add("zscore", []*models.Signal{signal}, err)
		} else {
			add("zscore", nil, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		signal, err := e.outliers.Score(event, vector)
		if signal != nil {
			add("outlier", []*models.Signal{signal}, err)
		} else {
			add("outlier", nil, err)
		}
	}()

	wg.Wait()
	return signals
}

// apply runs the serialized tail of the pipeline under the subject lock:
// risk aggregation, alerting, then profile update and history recording.
// Persistence runs first: on failure the event is unmarked and redelivered,
// and the profile must not have already counted it.
func (e *Engine) apply(ctx context.Context, event *models.Event, vector []float64, signals []*models.Signal) error {
	var persistErr error
	if err := e.updateRisk(ctx, event, signals); err != nil {
		persistErr = err
	}
	if err := e.raiseAlerts(ctx, event, signals); err != nil && persistErr == nil {
		persistErr = err
	}
	if persistErr != nil {
		return persistErr
	}

	storeCtx, cancel := e.storeContext(ctx)
	err := e.profiles.UpdateProfile(storeCtx, event.TenantID, event.SubjectID, func(p *models.SubjectProfile) {
		p.Observe(event)
	})
	cancel()
	if err != nil {
		metrics.StoreTimeouts.WithLabelValues("profile").Inc()
		logging.Warn().Err(err).Str("subject_id", event.SubjectID).Msg("Profile update degraded")
	}

	e.history.Record(event, vector)
	return nil
}

func (e *Engine) updateRisk(ctx context.Context, event *models.Event, signals []*models.Signal) error {
	storeCtx, cancel := e.storeContext(ctx)
	prior, err := e.riskStore.GetRiskScore(storeCtx, event.TenantID, event.SubjectID)
	cancel()
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		metrics.StoreTimeouts.WithLabelValues("risk").Inc()
		logging.Warn().Err(err).Str("subject_id", event.SubjectID).Msg("Risk lookup degraded")
		prior = nil
	}

	assessment := e.aggregator.Aggregate(event.TenantID, event.SubjectID, signals, prior)

	_, err = e.riskBreaker.Execute(func() (any, error) {
		storeCtx, cancel := e.storeContext(ctx)
		defer cancel()
		return nil, e.riskStore.PersistRiskScore(storeCtx, assessment.Score)
	})
	if err != nil {
		return fmt.Errorf("persist risk score: %w", err)
	}

	if assessment.Decision != risk.DecisionAllow {
		logging.Info().
			Str("tenant_id", event.TenantID).
			Str("subject_id", event.SubjectID).
			Float64("score", assessment.Score.Score).
			Str("level", string(assessment.Score.Level)).
			Str("decision", string(assessment.Decision)).
			Msg("Elevated risk score")
	}
	return nil
}

// raiseAlerts creates one alert per signal, then filters, dedups,
// correlates and notifies.
func (e *Engine) raiseAlerts(ctx context.Context, event *models.Event, signals []*models.Signal) error {
	now := time.Now().UTC()
	var firstErr error

	for _, signal := range signals {
		alert := &models.Alert{
			ID:         uuid.NewString(),
			TenantID:   event.TenantID,
			SubjectID:  event.SubjectID,
			ResourceID: event.ResourceID,
			RuleType:   string(signal.Kind),
			Severity:   signal.Severity,
			Status:     models.AlertStatusNew,
			Confidence: signal.Confidence,
			Title:      fmt.Sprintf("%s: %s", signal.Kind, event.SubjectID),
			Message:    signal.Reason,
			Metadata:   signal.Evidence,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if err := e.filter.Apply(ctx, alert); err != nil {
			logging.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert filtering degraded")
		}

		_, err := e.alertBreaker.Execute(func() (any, error) {
			storeCtx, cancel := e.storeContext(ctx)
			defer cancel()
			_, saveErr := e.alertStore.SaveAlert(storeCtx, alert)
			return nil, saveErr
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("persist alert: %w", err)
			}
			continue
		}
		metrics.AlertsCreated.WithLabelValues(alert.RuleType, string(alert.Severity)).Inc()

		if alert.Status != models.AlertStatusNew {
			continue
		}

		primary, err := e.dedup.Apply(ctx, alert)
		if err != nil {
			logging.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert deduplication degraded")
		}
		if primary != nil {
			// Folded into an existing alert; the primary already notified.
			continue
		}

		if incident, err := e.correlator.Apply(ctx, alert); err != nil {
			logging.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert correlation degraded")
		} else if incident != nil {
			logging.Info().
				Str("incident_id", incident.ID).
				Str("tenant_id", incident.TenantID).
				Msg("Alert escalated into incident candidate")
		}

		e.notify(ctx, alert)
	}
	return firstErr
}

func (e *Engine) notify(ctx context.Context, alert *models.Alert) {
	if e.notifier == nil || !e.notifier.Enabled() {
		return
	}
	if alert.Confidence < e.notifyAt {
		return
	}
	notification := &models.Notification{
		AlertID:   alert.ID,
		TenantID:  alert.TenantID,
		Severity:  alert.Severity,
		SubjectID: alert.SubjectID,
		Message:   alert.Message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.notifier.Send(ctx, notification); err != nil {
		logging.Warn().Err(err).Str("alert_id", alert.ID).Msg("Notification delivery failed")
	}
}
