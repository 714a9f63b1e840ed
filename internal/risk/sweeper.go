// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package risk

import (
	"context"
	"time"

	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Sweeper is the supervised background job that re-persists decayed risk
// scores so the stored values track the decay curve even for subjects with
// no fresh events. Readers applying Decayed on the fly would see the same
// numbers; the sweep keeps dashboards and exports honest.
type Sweeper struct {
	aggregator *Aggregator
	store      models.RiskStore
	interval   time.Duration
	nowFn      func() time.Time
}

// NewSweeper creates the decay sweep job.
func NewSweeper(aggregator *Aggregator, store models.RiskStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{
		aggregator: aggregator,
		store:      store,
		interval:   interval,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Decay sweep could not list tenants")
		return
	}

	now := s.nowFn()
	var updated int
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		scores, err := s.store.ListRiskScores(ctx, tenantID)
		if err != nil {
			logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("Decay sweep could not list scores")
			continue
		}
		for _, prior := range scores {
			decayed := s.aggregator.Decayed(prior, now)
			if decayed == prior.Score {
				continue
			}
			next := &models.RiskScore{
				TenantID:  prior.TenantID,
				SubjectID: prior.SubjectID,
				Score:     decayed,
				Level:     models.LevelForScore(decayed),
				Breakdown: prior.Breakdown,
				UpdatedAt: now,
			}
			if err := s.store.PersistRiskScore(ctx, next); err != nil {
				logging.Warn().Err(err).
					Str("tenant_id", prior.TenantID).
					Str("subject_id", prior.SubjectID).
					Msg("Decay sweep persist failed")
				continue
			}
			updated++
		}
	}

	if updated > 0 {
		logging.Debug().Int("scores", updated).Msg("Decay sweep updated scores")
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "risk-decay-sweeper"
}
