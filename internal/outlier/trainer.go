// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package outlier

import (
	"context"
	"time"

	"github.com/watchtower-sec/watchtower/internal/logging"
)

// TenantLister enumerates the tenants a retrain sweep covers.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Trainer is the supervised background job that retrains every active
// tenant's model on an interval. A failed tenant keeps its prior model;
// the sweep continues with the next tenant.
type Trainer struct {
	manager  *Manager
	tenants  TenantLister
	interval time.Duration
	timeout  time.Duration
}

// NewTrainer creates the retrain job.
func NewTrainer(manager *Manager, tenants TenantLister, interval, timeout time.Duration) *Trainer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Trainer{
		manager:  manager,
		tenants:  tenants,
		interval: interval,
		timeout:  timeout,
	}
}

// Serve implements suture.Service. One sweep runs at startup so a fresh
// deployment has models before the first interval elapses.
func (t *Trainer) Serve(ctx context.Context) error {
	t.sweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Trainer) sweep(ctx context.Context) {
	tenants, err := t.tenants.Tenants(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Retrain sweep could not list tenants")
		return
	}

	var trained, skipped, failed int
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		outcome := t.trainOne(ctx, tenantID)
		switch outcome {
		case TrainOutcomeTrained:
			trained++
		case TrainOutcomeInsufficientData:
			skipped++
		default:
			failed++
		}
	}

	logging.Info().
		Int("trained", trained).
		Int("insufficient_data", skipped).
		Int("failed", failed).
		Msg("Completed model retrain sweep")
}

func (t *Trainer) trainOne(ctx context.Context, tenantID string) TrainOutcome {
	trainCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		trainCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	outcome, err := t.manager.Train(trainCtx, tenantID)
	if err != nil {
		logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("Model training failed, keeping prior model")
	}
	return outcome
}

// String implements fmt.Stringer for supervisor logs.
func (t *Trainer) String() string {
	return "outlier-trainer"
}
