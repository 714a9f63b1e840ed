// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package profile provides the in-memory subject profile store and the
// background aging sweep that keeps long-lived profiles responsive to
// behavior drift.
package profile

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/watchtower-sec/watchtower/internal/models"
)

const shardCount = 64

type shard struct {
	mu       sync.RWMutex
	profiles map[string]*models.SubjectProfile
}

// Store is a sharded in-memory ProfileStore. Updates run under the shard
// lock so a read-modify-write can never lose a concurrent increment;
// reads return clones so detectors can inspect a profile without holding
// any lock.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty profile store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{profiles: make(map[string]*models.SubjectProfile)}
	}
	return s
}

func profileKey(tenantID, subjectID string) string {
	return tenantID + "\x00" + subjectID
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// GetProfile returns a clone of the stored profile, or ErrNotFound.
func (s *Store) GetProfile(_ context.Context, tenantID, subjectID string) (*models.SubjectProfile, error) {
	key := profileKey(tenantID, subjectID)
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.profiles[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p.Clone(), nil
}

// UpdateProfile applies fn to the live profile under the shard lock,
// creating an empty profile first when none exists.
func (s *Store) UpdateProfile(_ context.Context, tenantID, subjectID string, fn func(*models.SubjectProfile)) error {
	key := profileKey(tenantID, subjectID)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.profiles[key]
	if !ok {
		p = models.NewSubjectProfile(tenantID, subjectID)
		sh.profiles[key] = p
	}
	fn(p)
	return nil
}

// Len returns the number of stored profiles.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.profiles)
		sh.mu.RUnlock()
	}
	return total
}

// forEach visits every profile under its shard lock.
func (s *Store) forEach(fn func(*models.SubjectProfile)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, p := range sh.profiles {
			fn(p)
		}
		sh.mu.Unlock()
	}
}
