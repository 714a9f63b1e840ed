// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/models"
)

func testEvent() *models.Event {
	return &models.Event{
		EventID:           "evt-1",
		TenantID:          "tenant-a",
		SubjectID:         "user-1",
		ResourceID:        "door-7",
		Timestamp:         time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		Outcome:           models.OutcomeGranted,
		IPAddress:         "203.0.113.10",
		DeviceFingerprint: "fp-laptop-1",
		City:              "London",
		Country:           "GB",
		Latitude:          51.5074,
		Longitude:         -0.1278,
	}
}

func TestTimeWindowRule(t *testing.T) {
	tests := []struct {
		name         string
		allowedHours []int
		eventHour    int
		wantSignal   bool
	}{
		{"no restriction never fires", nil, 3, false},
		{"inside window", []int{8, 9, 14, 15}, 14, false},
		{"outside window", []int{8, 9, 10}, 14, true},
		{"midnight outside", []int{9, 10, 11}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewTimeWindowRule()
			if tt.allowedHours != nil {
				config, _ := json.Marshal(TimeWindowConfig{AllowedHours: tt.allowedHours})
				if err := rule.Configure(config); err != nil {
					t.Fatalf("Configure() error = %v", err)
				}
			}

			event := testEvent()
			event.Timestamp = time.Date(2026, 3, 10, tt.eventHour, 30, 0, 0, time.UTC)

			signal, err := rule.Evaluate(context.Background(), event, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if (signal != nil) != tt.wantSignal {
				t.Errorf("Evaluate() signal = %v, want fired=%v", signal, tt.wantSignal)
			}
			if signal != nil {
				if signal.Kind != models.SignalUnusualTime {
					t.Errorf("Kind = %s, want %s", signal.Kind, models.SignalUnusualTime)
				}
				if signal.Confidence != timeWindowConfidence {
					t.Errorf("Confidence = %v, want %v", signal.Confidence, timeWindowConfidence)
				}
			}
		})
	}
}

func TestTimeWindowRuleConfigureRejectsBadHours(t *testing.T) {
	rule := NewTimeWindowRule()
	config, _ := json.Marshal(TimeWindowConfig{AllowedHours: []int{8, 24}})
	if err := rule.Configure(config); err == nil {
		t.Error("Configure() accepted an out-of-range hour")
	}
}

func TestTimeWindowRuleDisabled(t *testing.T) {
	rule := NewTimeWindowRule()
	config, _ := json.Marshal(TimeWindowConfig{AllowedHours: []int{9}})
	if err := rule.Configure(config); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	rule.SetEnabled(false)

	signal, err := rule.Evaluate(context.Background(), testEvent(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if signal != nil {
		t.Error("disabled rule fired")
	}
}

func TestGeoFenceRule(t *testing.T) {
	tests := []struct {
		name           string
		denied         []string
		allowed        []string
		country        string
		wantSignal     bool
		wantConfidence float64
	}{
		{"denylist hit", []string{"KP", "RU"}, nil, "RU", true, geoDenyConfidence},
		{"denylist miss", []string{"KP"}, nil, "GB", false, 0},
		{"allowlist hit", nil, []string{"GB", "US"}, "GB", false, 0},
		{"allowlist miss", nil, []string{"GB", "US"}, "FR", true, geoAllowMissConfidence},
		{"denylist beats allowlist", []string{"RU"}, []string{"RU"}, "RU", true, geoDenyConfidence},
		{"unresolved country skips", []string{"RU"}, nil, "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewGeoFenceRule()
			config, _ := json.Marshal(GeoFenceConfig{
				DeniedCountries:  tt.denied,
				AllowedCountries: tt.allowed,
			})
			if err := rule.Configure(config); err != nil {
				t.Fatalf("Configure() error = %v", err)
			}

			event := testEvent()
			event.Country = tt.country

			signal, err := rule.Evaluate(context.Background(), event, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if (signal != nil) != tt.wantSignal {
				t.Fatalf("Evaluate() signal = %v, want fired=%v", signal, tt.wantSignal)
			}
			if signal != nil && signal.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", signal.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestGeoFenceRuleConfigureRequiresAList(t *testing.T) {
	rule := NewGeoFenceRule()
	if err := rule.Configure(json.RawMessage(`{}`)); err == nil {
		t.Error("Configure() accepted a config with neither list")
	}
}

func TestNewDeviceRule(t *testing.T) {
	profile := models.NewSubjectProfile("tenant-a", "user-1")
	for i := 0; i < 10; i++ {
		event := testEvent()
		event.Timestamp = event.Timestamp.Add(time.Duration(i) * time.Hour)
		profile.Observe(event)
	}

	tests := []struct {
		name        string
		fingerprint string
		profile     *models.SubjectProfile
		wantSignal  bool
	}{
		{"known device", "fp-laptop-1", profile, false},
		{"new device", "fp-phone-9", profile, true},
		{"missing fingerprint", "", profile, false},
		{"nil profile", "fp-phone-9", nil, false},
		{"thin profile suppressed", "fp-phone-9", models.NewSubjectProfile("tenant-a", "user-1"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewNewDeviceRule()
			event := testEvent()
			event.DeviceFingerprint = tt.fingerprint

			signal, err := rule.Evaluate(context.Background(), event, tt.profile)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if (signal != nil) != tt.wantSignal {
				t.Fatalf("Evaluate() signal = %v, want fired=%v", signal, tt.wantSignal)
			}
			if signal != nil && signal.Confidence != newDeviceConfidence {
				t.Errorf("Confidence = %v, want %v", signal.Confidence, newDeviceConfidence)
			}
		})
	}
}

func TestVelocityRuleImpossibleTravel(t *testing.T) {
	// The event is ~800 km due north of the anchor 90 seconds later.
	profile := models.NewSubjectProfile("tenant-a", "user-1")
	anchor := testEvent()
	anchor.Latitude = 10
	anchor.Longitude = 20
	anchor.City = "Origin"
	anchor.Country = "AA"
	profile.Observe(anchor)

	event := testEvent()
	event.Latitude = 17.2
	event.Longitude = 20
	event.City = "Elsewhere"
	event.Country = "BB"
	event.Timestamp = anchor.Timestamp.Add(90 * time.Second)

	rule := NewVelocityRule()
	signal, err := rule.Evaluate(context.Background(), event, profile)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if signal == nil {
		t.Fatal("Evaluate() did not fire for an 800 km jump in 90 seconds")
	}
	if signal.Kind != models.SignalImpossibleTravel {
		t.Errorf("Kind = %s, want %s", signal.Kind, models.SignalImpossibleTravel)
	}
	if signal.Confidence != velocityConfidence {
		t.Errorf("Confidence = %v, want %v", signal.Confidence, velocityConfidence)
	}
	if signal.Severity != models.SeverityCritical {
		t.Errorf("Severity = %s, want %s", signal.Severity, models.SeverityCritical)
	}
}

func TestVelocityRuleZeroElapsedNotComputable(t *testing.T) {
	profile := models.NewSubjectProfile("tenant-a", "user-1")
	anchor := testEvent()
	profile.Observe(anchor)

	event := testEvent()
	event.Latitude = 48.8566
	event.Longitude = 2.3522
	event.Timestamp = anchor.Timestamp // same instant

	rule := NewVelocityRule()
	signal, err := rule.Evaluate(context.Background(), event, profile)
	if !errors.Is(err, models.ErrNotComputable) {
		t.Errorf("Evaluate() error = %v, want ErrNotComputable", err)
	}
	if signal != nil {
		t.Error("Evaluate() emitted a signal with undefined speed")
	}
}

func TestVelocityRuleSkips(t *testing.T) {
	anchored := models.NewSubjectProfile("tenant-a", "user-1")
	anchored.Observe(testEvent())

	noCoords := testEvent()
	noCoords.Latitude = 0
	noCoords.Longitude = 0
	noCoords.Timestamp = noCoords.Timestamp.Add(time.Hour)

	nearby := testEvent()
	nearby.Latitude = 51.51 // a few hundred meters from the anchor
	nearby.Timestamp = nearby.Timestamp.Add(time.Minute)

	plausible := testEvent()
	plausible.Latitude = 48.8566 // London to Paris, ~344 km
	plausible.Longitude = 2.3522
	plausible.Timestamp = plausible.Timestamp.Add(6 * time.Hour)

	tests := []struct {
		name    string
		event   *models.Event
		profile *models.SubjectProfile
	}{
		{"event without coordinates", noCoords, anchored},
		{"profile without anchor", testEvent(), models.NewSubjectProfile("tenant-a", "user-1")},
		{"nil profile", testEvent(), nil},
		{"below minimum distance", nearby, anchored},
		{"plausible speed", plausible, anchored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewVelocityRule()
			signal, err := rule.Evaluate(context.Background(), tt.event, tt.profile)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if signal != nil {
				t.Errorf("Evaluate() fired unexpectedly: %s", signal.Reason)
			}
		})
	}
}

type mockHistory struct {
	count int
	err   error
}

func (m *mockHistory) RecentEventCount(_ context.Context, _, _ string, _ time.Duration) (int, error) {
	return m.count, m.err
}

func (m *mockHistory) FeatureWindow(_ context.Context, _ string, _ time.Time) ([][]float64, error) {
	return nil, nil
}

func TestFrequencyRule(t *testing.T) {
	tests := []struct {
		name       string
		priorCount int
		wantSignal bool
	}{
		{"well under ceiling", 5, false},
		{"at ceiling with current event", 59, false},
		{"over ceiling", 60, true},
		{"far over ceiling", 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewFrequencyRule(&mockHistory{count: tt.priorCount})
			signal, err := rule.Evaluate(context.Background(), testEvent(), nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if (signal != nil) != tt.wantSignal {
				t.Fatalf("Evaluate() signal = %v, want fired=%v", signal, tt.wantSignal)
			}
			if signal != nil && signal.Confidence != frequencyConfidence {
				t.Errorf("Confidence = %v, want %v", signal.Confidence, frequencyConfidence)
			}
		})
	}
}

func TestFrequencyRulePropagatesLookupError(t *testing.T) {
	rule := NewFrequencyRule(&mockHistory{err: errors.New("store down")})
	if _, err := rule.Evaluate(context.Background(), testEvent(), nil); err == nil {
		t.Error("Evaluate() swallowed the history lookup error")
	}
}

type mockRuleSource struct {
	tenants     []string
	definitions map[string][]models.RuleDefinition
	err         error
}

func (m *mockRuleSource) GetRuleDefinitions(_ context.Context, tenantID string) ([]models.RuleDefinition, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.definitions[tenantID], nil
}

func (m *mockRuleSource) Tenants(_ context.Context) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.tenants, nil
}

func TestRegistryDefaultsOnFirstAccess(t *testing.T) {
	registry := NewRegistry(&mockHistory{}, config.Default().Rules)
	rules := registry.Rules("fresh-tenant")
	if len(rules) != len(allRuleTypes) {
		t.Fatalf("Rules() returned %d rules, want %d", len(rules), len(allRuleTypes))
	}
	for i, rule := range rules {
		if rule.Type() != allRuleTypes[i] {
			t.Errorf("rule %d type = %s, want %s", i, rule.Type(), allRuleTypes[i])
		}
		if !rule.Enabled() {
			t.Errorf("default rule %s not enabled", rule.Type())
		}
	}
}

func TestRegistryAppliesConfiguredDefaults(t *testing.T) {
	defaults := config.Default().Rules
	defaults.GeoFence.DeniedCountries = []string{"KP"}
	defaults.Velocity.Enabled = false
	defaults.NewDevice.MinProfileSamples = 12
	registry := NewRegistry(&mockHistory{}, defaults)

	for _, rule := range registry.Rules("fresh-tenant") {
		switch r := rule.(type) {
		case *GeoFenceRule:
			event := testEvent()
			event.Country = "KP"
			signal, err := r.Evaluate(context.Background(), event, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if signal == nil {
				t.Error("geo fence ignored the configured denied country")
			}
		case *VelocityRule:
			if r.Enabled() {
				t.Error("velocity rule enabled despite disabled default")
			}
		case *NewDeviceRule:
			if r.config.MinProfileSamples != 12 {
				t.Errorf("MinProfileSamples = %d, want 12", r.config.MinProfileSamples)
			}
		}
	}
}

func TestRegistryDefinitionSeverityAndEscalation(t *testing.T) {
	registry := NewRegistry(&mockHistory{}, config.Default().Rules)
	payload, _ := json.Marshal(GeoFenceConfig{DeniedCountries: []string{"KP"}})
	definitions := []models.RuleDefinition{
		{
			TenantID: "tenant-a", RuleType: models.RuleTypeGeoFence,
			Enabled: true, Config: payload,
			Severity: models.SeverityLow, AutoEscalate: true,
			Version: 1,
		},
	}
	if err := registry.LoadTenant("tenant-a", definitions); err != nil {
		t.Fatalf("LoadTenant() error = %v", err)
	}

	event := testEvent()
	event.Country = "KP"
	for _, rule := range registry.Rules("tenant-a") {
		if rule.Type() != models.RuleTypeGeoFence {
			continue
		}
		signal, err := rule.Evaluate(context.Background(), event, nil)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if signal == nil {
			t.Fatal("geo fence did not fire for the denied country")
		}
		// Definition severity low, escalated one tier.
		if signal.Severity != models.SeverityMedium {
			t.Errorf("Severity = %s, want %s", signal.Severity, models.SeverityMedium)
		}
	}
}

func TestRegistryLoadTenantAppliesDefinitions(t *testing.T) {
	registry := NewRegistry(&mockHistory{}, config.Default().Rules)
	payload, _ := json.Marshal(GeoFenceConfig{DeniedCountries: []string{"KP"}})
	definitions := []models.RuleDefinition{
		{TenantID: "tenant-a", RuleType: models.RuleTypeGeoFence, Enabled: true, Config: payload, Version: 1},
		{TenantID: "tenant-a", RuleType: models.RuleTypeVelocity, Enabled: false, Version: 1},
	}
	if err := registry.LoadTenant("tenant-a", definitions); err != nil {
		t.Fatalf("LoadTenant() error = %v", err)
	}

	for _, rule := range registry.Rules("tenant-a") {
		switch rule.Type() {
		case models.RuleTypeVelocity:
			if rule.Enabled() {
				t.Error("velocity rule should be disabled by its definition")
			}
		case models.RuleTypeGeoFence:
			event := testEvent()
			event.Country = "KP"
			signal, err := rule.Evaluate(context.Background(), event, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if signal == nil {
				t.Error("configured geo fence did not fire for a denied country")
			}
		}
	}
}

func TestRegistryLoadTenantRejectsInvalidConfig(t *testing.T) {
	registry := NewRegistry(&mockHistory{}, config.Default().Rules)
	definitions := []models.RuleDefinition{
		{TenantID: "tenant-a", RuleType: models.RuleTypeGeoFence, Enabled: true, Config: json.RawMessage(`{}`)},
	}
	if err := registry.LoadTenant("tenant-a", definitions); err == nil {
		t.Error("LoadTenant() accepted an invalid geo fence config")
	}
}

func TestRegistryHigherVersionWins(t *testing.T) {
	registry := NewRegistry(&mockHistory{}, config.Default().Rules)
	oldConfig, _ := json.Marshal(TimeWindowConfig{AllowedHours: []int{14}})
	newConfig, _ := json.Marshal(TimeWindowConfig{AllowedHours: []int{3}})
	definitions := []models.RuleDefinition{
		{TenantID: "tenant-a", RuleType: models.RuleTypeTimeWindow, Enabled: true, Config: oldConfig, Version: 1},
		{TenantID: "tenant-a", RuleType: models.RuleTypeTimeWindow, Enabled: true, Config: newConfig, Version: 2},
	}
	if err := registry.LoadTenant("tenant-a", definitions); err != nil {
		t.Fatalf("LoadTenant() error = %v", err)
	}

	// 14:30 is outside {3} so the v2 config fires where v1 would not.
	for _, rule := range registry.Rules("tenant-a") {
		if rule.Type() != models.RuleTypeTimeWindow {
			continue
		}
		signal, err := rule.Evaluate(context.Background(), testEvent(), nil)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if signal == nil {
			t.Error("registry kept the lower-version definition")
		}
	}
}

func TestRegistryRefresh(t *testing.T) {
	registry := NewRegistry(&mockHistory{}, config.Default().Rules)
	payload, _ := json.Marshal(GeoFenceConfig{DeniedCountries: []string{"KP"}})
	source := &mockRuleSource{
		tenants: []string{"tenant-a"},
		definitions: map[string][]models.RuleDefinition{
			"tenant-a": {
				{TenantID: "tenant-a", RuleType: models.RuleTypeGeoFence, Enabled: true, Config: payload, Version: 1},
			},
		},
	}
	if err := registry.Refresh(context.Background(), source); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(registry.Rules("tenant-a")) != len(allRuleTypes) {
		t.Error("Refresh() did not build the tenant rule set")
	}
}

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantKm                 float64
		tolerance              float64
	}{
		{"same point", 51.5, -0.12, 51.5, -0.12, 0, 0.001},
		{"london to paris", 51.5074, -0.1278, 48.8566, 2.3522, 344, 5},
		{"new york to tokyo", 40.7128, -74.0060, 35.6762, 139.6503, 10850, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := haversineKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			diff := got - tt.wantKm
			if diff < 0 {
				diff = -diff
			}
			if diff > tt.tolerance {
				t.Errorf("haversineKm() = %v, want %v +/- %v", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestFormatLocation(t *testing.T) {
	tests := []struct {
		city, country, want string
	}{
		{"London", "GB", "London, GB"},
		{"", "GB", "GB"},
		{"London", "", "London"},
		{"", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.city, tt.country), func(t *testing.T) {
			if got := formatLocation(tt.city, tt.country); got != tt.want {
				t.Errorf("formatLocation(%q, %q) = %q, want %q", tt.city, tt.country, got, tt.want)
			}
		})
	}
}
