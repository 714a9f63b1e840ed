// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package profile

import (
	"context"
	"math"
	"time"

	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Ager is the supervised background sweep that exponentially ages every
// profile's histograms toward the retention window. Profiles are never
// deleted; old behavior just stops dominating the probabilities, so a
// subject whose habits change is re-learned within the window.
type Ager struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
}

// NewAger creates the aging sweep. maxAge is the behavior retention
// window; interval is how often the sweep runs.
func NewAger(store *Store, maxAge, interval time.Duration) *Ager {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &Ager{store: store, maxAge: maxAge, interval: interval}
}

// factor returns the per-sweep retention multiplier so that a bucket
// untouched for maxAge has shrunk to roughly 1/e of its weight.
func (a *Ager) factor() float64 {
	sweepsPerWindow := a.maxAge.Hours() / a.interval.Hours()
	if sweepsPerWindow <= 1 {
		return 1 / math.E
	}
	return math.Exp(-1 / sweepsPerWindow)
}

// Serve implements suture.Service.
func (a *Ager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Ager) sweep() {
	factor := a.factor()
	now := time.Now().UTC()
	count := 0
	a.store.forEach(func(p *models.SubjectProfile) {
		p.Age(factor, now)
		count++
	})
	logging.Debug().
		Int("profiles", count).
		Float64("factor", factor).
		Msg("Aged subject profiles")
}

// String implements fmt.Stringer for supervisor logs.
func (a *Ager) String() string {
	return "profile-ager"
}
