// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import (
	"time"
)

// SubjectProfile holds the rolling behavioral statistics for one
// (tenant, subject) pair. It is mutated incrementally on each processed
// event and aged so that old behavior stops dominating the histograms.
//
// Invariant: HourCounts, WeekdayCounts and LocationCounts each sum to
// SampleCount (aging rescales all of them together).
type SubjectProfile struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`

	HourCounts     [24]int64        `json:"hour_counts"`
	WeekdayCounts  [7]int64         `json:"weekday_counts"`
	LocationCounts map[string]int64 `json:"location_counts"`

	// Devices maps device fingerprints to the count of successful events
	// observed from them. Only granted events register devices, so a denied
	// probe does not whitelist a fingerprint.
	Devices map[string]int64 `json:"devices"`

	SampleCount int64     `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
	AgedAt      time.Time `json:"aged_at"`

	// Last successful event with known coordinates, for velocity checks.
	LastLatitude  float64   `json:"last_latitude"`
	LastLongitude float64   `json:"last_longitude"`
	LastCity      string    `json:"last_city,omitempty"`
	LastCountry   string    `json:"last_country,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	HasLastSeen   bool      `json:"has_last_seen"`
}

// NewSubjectProfile returns an empty profile for the given subject.
func NewSubjectProfile(tenantID, subjectID string) *SubjectProfile {
	return &SubjectProfile{
		TenantID:       tenantID,
		SubjectID:      subjectID,
		LocationCounts: make(map[string]int64),
		Devices:        make(map[string]int64),
		AgedAt:         time.Now().UTC(),
	}
}

// Observe folds one event into the profile's histograms. The caller owns
// serialization: concurrent writers for the same subject must hold the
// per-subject lock in the profile store.
func (p *SubjectProfile) Observe(event *Event) {
	p.HourCounts[event.Hour()]++
	p.WeekdayCounts[int(event.Weekday())]++
	if p.LocationCounts == nil {
		p.LocationCounts = make(map[string]int64)
	}
	p.LocationCounts[event.LocationKey()]++
	p.SampleCount++
	p.UpdatedAt = event.Timestamp

	if event.Granted() {
		if p.Devices == nil {
			p.Devices = make(map[string]int64)
		}
		if event.DeviceFingerprint != "" {
			p.Devices[event.DeviceFingerprint]++
		}
		if event.HasCoordinates() {
			p.LastLatitude = event.Latitude
			p.LastLongitude = event.Longitude
			p.LastCity = event.City
			p.LastCountry = event.Country
			p.LastSeenAt = event.Timestamp
			p.HasLastSeen = true
		}
	}
}

// HourProbability returns P(hour bucket) from the profile histogram.
// Returns 0 when the profile has no samples.
func (p *SubjectProfile) HourProbability(hour int) float64 {
	if p.SampleCount == 0 || hour < 0 || hour > 23 {
		return 0
	}
	return float64(p.HourCounts[hour]) / float64(p.SampleCount)
}

// WeekdayProbability returns P(weekday bucket) from the profile histogram.
func (p *SubjectProfile) WeekdayProbability(day time.Weekday) float64 {
	if p.SampleCount == 0 {
		return 0
	}
	return float64(p.WeekdayCounts[int(day)]) / float64(p.SampleCount)
}

// LocationProbability returns P(location bucket) from the profile histogram.
func (p *SubjectProfile) LocationProbability(key string) float64 {
	if p.SampleCount == 0 {
		return 0
	}
	return float64(p.LocationCounts[key]) / float64(p.SampleCount)
}

// KnownDevice reports whether the fingerprint was seen on a prior
// successful event.
func (p *SubjectProfile) KnownDevice(fingerprint string) bool {
	return p.Devices[fingerprint] > 0
}

// Age rescales the histograms toward zero so that behavior older than the
// retention window decays out. factor is the survival ratio for the elapsed
// period (e.g. 0.5 halves every bucket). Buckets that reach zero are removed
// from the maps to bound memory; the sum invariant is restored by recomputing
// SampleCount from the hour histogram.
func (p *SubjectProfile) Age(factor float64, now time.Time) {
	if factor >= 1 || factor < 0 {
		return
	}

	var total int64
	for i := range p.HourCounts {
		p.HourCounts[i] = int64(float64(p.HourCounts[i]) * factor)
		total += p.HourCounts[i]
	}

	for i := range p.WeekdayCounts {
		p.WeekdayCounts[i] = int64(float64(p.WeekdayCounts[i]) * factor)
	}
	scaleToTotal(p.WeekdayCounts[:], total)

	for key, count := range p.LocationCounts {
		scaled := int64(float64(count) * factor)
		if scaled <= 0 {
			delete(p.LocationCounts, key)
		} else {
			p.LocationCounts[key] = scaled
		}
	}
	rebalanceMapToTotal(p.LocationCounts, total)

	for key, count := range p.Devices {
		scaled := int64(float64(count) * factor)
		if scaled <= 0 {
			delete(p.Devices, key)
		} else {
			p.Devices[key] = scaled
		}
	}

	p.SampleCount = total
	p.AgedAt = now
}

// scaleToTotal adjusts a histogram slice so it sums exactly to total,
// preserving proportions. Needed because per-bucket truncation can drift the
// sum off the hour histogram's total.
func scaleToTotal(buckets []int64, total int64) {
	var sum int64
	maxIdx := 0
	for i, v := range buckets {
		sum += v
		if v > buckets[maxIdx] {
			maxIdx = i
		}
	}
	if sum == total || sum == 0 {
		if sum == 0 && total > 0 {
			buckets[0] = total
		}
		return
	}
	// Push the remainder into the largest bucket.
	buckets[maxIdx] += total - sum
	if buckets[maxIdx] < 0 {
		buckets[maxIdx] = 0
	}
}

func rebalanceMapToTotal(m map[string]int64, total int64) {
	var sum int64
	var maxKey string
	var maxVal int64 = -1
	for k, v := range m {
		sum += v
		if v > maxVal {
			maxVal = v
			maxKey = k
		}
	}
	if sum == total {
		return
	}
	if maxKey == "" {
		if total > 0 {
			m["unknown"] = total
		}
		return
	}
	m[maxKey] += total - sum
	if m[maxKey] <= 0 {
		delete(m, maxKey)
	}
}

// Clone returns a deep copy so readers never share map state with the
// store's writable copy.
func (p *SubjectProfile) Clone() *SubjectProfile {
	clone := *p
	clone.LocationCounts = make(map[string]int64, len(p.LocationCounts))
	for k, v := range p.LocationCounts {
		clone.LocationCounts[k] = v
	}
	clone.Devices = make(map[string]int64, len(p.Devices))
	for k, v := range p.Devices {
		clone.Devices[k] = v
	}
	return &clone
}
