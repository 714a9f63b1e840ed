// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import (
	"math"
	"time"
)

// CoordinateEpsilon is the threshold for considering coordinates as
// effectively zero. A coordinate pair is treated as "unknown" (sentinel 0,0)
// if both latitude and longitude are within this epsilon of zero.
// 1e-7 degrees is roughly 1.1cm at the equator, well below GPS accuracy.
const CoordinateEpsilon = 1e-7

// IsUnknownLocation returns true if the coordinates represent an unknown
// location. Uses epsilon comparison instead of direct float equality.
func IsUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < CoordinateEpsilon && math.Abs(lon) < CoordinateEpsilon
}

// HasValidCoordinates is the inverse of IsUnknownLocation for readability.
func HasValidCoordinates(lat, lon float64) bool {
	return !IsUnknownLocation(lat, lon)
}

// Outcome is the result of an access attempt.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// Event is one immutable access/authentication fact produced by the
// upstream collector. Events are never mutated by the engine; reprocessing
// the same event ID is safe (the pipeline is idempotent by EventID).
type Event struct {
	// Identification
	EventID  string `json:"event_id" validate:"required"`
	TenantID string `json:"tenant_id" validate:"required"`

	// Subject is the entity being risk-scored (user or credential).
	SubjectID string `json:"subject_id" validate:"required"`

	// ResourceID is the access point or location being accessed.
	ResourceID string `json:"resource_id"`

	Timestamp time.Time `json:"timestamp" validate:"required"`
	Outcome   Outcome   `json:"outcome" validate:"required,oneof=granted denied"`

	// Raw context
	IPAddress         string `json:"ip_address,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`

	// Geolocation (enriched by the collector; 0,0 means unresolved)
	Latitude  float64 `json:"latitude,omitempty" validate:"latitude"`
	Longitude float64 `json:"longitude,omitempty" validate:"longitude"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// Granted reports whether the access attempt succeeded.
func (e *Event) Granted() bool {
	return e.Outcome == OutcomeGranted
}

// HasCoordinates reports whether the event carries resolved geolocation.
func (e *Event) HasCoordinates() bool {
	return HasValidCoordinates(e.Latitude, e.Longitude)
}

// Hour returns the event's hour of day in UTC.
func (e *Event) Hour() int {
	return e.Timestamp.UTC().Hour()
}

// Weekday returns the event's weekday in UTC.
func (e *Event) Weekday() time.Weekday {
	return e.Timestamp.UTC().Weekday()
}

// LocationKey returns the histogram bucket key for the event's location.
// Falls back through country to IP so unresolved geo still buckets somewhere.
func (e *Event) LocationKey() string {
	if e.City != "" && e.Country != "" {
		return e.City + "," + e.Country
	}
	if e.Country != "" {
		return e.Country
	}
	if e.IPAddress != "" {
		return "ip:" + e.IPAddress
	}
	return "unknown"
}
