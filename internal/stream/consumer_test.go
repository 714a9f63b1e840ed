// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/models"
)

type recordingProcessor struct {
	events []*models.Event
	err    error
}

func (p *recordingProcessor) Process(_ context.Context, event *models.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func payload(t *testing.T, event *models.Event) []byte {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return data
}

func validEvent() *models.Event {
	return &models.Event{
		EventID:   "evt-1",
		TenantID:  "tenant-a",
		SubjectID: "user-1",
		Timestamp: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		Outcome:   models.OutcomeGranted,
		Latitude:  51.5074,
		Longitude: -0.1278,
	}
}

func TestHandleDecodesAndProcesses(t *testing.T) {
	processor := &recordingProcessor{}
	consumer := &Consumer{processor: processor}

	msg := message.NewMessage("msg-1", payload(t, validEvent()))
	if err := consumer.handle(msg); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if len(processor.events) != 1 {
		t.Fatalf("processed events = %d, want 1", len(processor.events))
	}
	if got := processor.events[0].EventID; got != "evt-1" {
		t.Errorf("EventID = %q, want evt-1", got)
	}
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	processor := &recordingProcessor{}
	consumer := &Consumer{processor: processor}

	msg := message.NewMessage("msg-1", []byte("{not json"))
	if err := consumer.handle(msg); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if len(processor.events) != 0 {
		t.Errorf("processed events = %d, want 0", len(processor.events))
	}
}

func TestHandleRejectsInvalidEvent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Event)
	}{
		{"missing event id", func(e *models.Event) { e.EventID = "" }},
		{"missing tenant", func(e *models.Event) { e.TenantID = "" }},
		{"missing subject", func(e *models.Event) { e.SubjectID = "" }},
		{"unknown outcome", func(e *models.Event) { e.Outcome = "revoked" }},
		{"latitude out of range", func(e *models.Event) { e.Latitude = 91 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &recordingProcessor{}
			consumer := &Consumer{processor: processor}

			event := validEvent()
			tt.mutate(event)
			msg := message.NewMessage("msg-1", payload(t, event))
			if err := consumer.handle(msg); err == nil {
				t.Fatal("expected validation error")
			}
			if len(processor.events) != 0 {
				t.Errorf("processed events = %d, want 0", len(processor.events))
			}
		})
	}
}

func TestHandlePropagatesProcessorError(t *testing.T) {
	processor := &recordingProcessor{err: errors.New("store unavailable")}
	consumer := &Consumer{processor: processor}

	msg := message.NewMessage("msg-1", payload(t, validEvent()))
	if err := consumer.handle(msg); err == nil {
		t.Fatal("expected processor error to propagate for redelivery")
	}
}
