// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package api serves the read-only ops surface: health, metrics, alert
// and incident listings, risk scores and trained-model status. Event
// ingestion happens over the stream, never through HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/models"
	"github.com/watchtower-sec/watchtower/internal/outlier"
)

const defaultListLimit = 100

// AlertReader exposes the alert store's query side.
type AlertReader interface {
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, tenantID string, status models.AlertStatus, severity models.Severity, limit int) ([]*models.Alert, error)
	Incidents(ctx context.Context) ([]*models.IncidentCandidate, error)
}

// RiskReader exposes the risk store's query side.
type RiskReader interface {
	GetRiskScore(ctx context.Context, tenantID, subjectID string) (*models.RiskScore, error)
	ListRiskScores(ctx context.Context, tenantID string) ([]*models.RiskScore, error)
}

// ModelLister reports trained outlier models for ops visibility.
type ModelLister interface {
	Models() []outlier.ModelInfo
}

// Handler holds the ops API dependencies.
type Handler struct {
	alerts AlertReader
	risks  RiskReader
	models ModelLister

	// ready reports whether the stream consumer is wired; nil means
	// always ready.
	ready func() bool
}

// NewHandler creates the ops API handler.
func NewHandler(alerts AlertReader, risks RiskReader, models ModelLister, ready func() bool) *Handler {
	return &Handler{alerts: alerts, risks: risks, models: models, ready: ready}
}

// Router builds the chi router for the ops surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alerts", h.listAlerts)
		r.Get("/alerts/{id}", h.getAlert)
		r.Get("/incidents", h.listIncidents)
		r.Get("/risk/{tenantID}", h.listRiskScores)
		r.Get("/risk/{tenantID}/{subjectID}", h.getRiskScore)
		r.Get("/models", h.listModels)
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	alerts, err := h.alerts.ListAlerts(r.Context(), tenantID,
		models.AlertStatus(q.Get("status")), models.Severity(q.Get("severity")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "alert not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "get alert failed")
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.alerts.Incidents(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list incidents failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (h *Handler) listRiskScores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.risks.ListRiskScores(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list risk scores failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scores": scores,
		"count":  len(scores),
	})
}

func (h *Handler) getRiskScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.risks.GetRiskScore(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "subjectID"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no risk score for subject")
			return
		}
		respondError(w, http.StatusInternalServerError, "get risk score failed")
		return
	}
	respondJSON(w, http.StatusOK, score)
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	infos := h.models.Models()
	respondJSON(w, http.StatusOK, map[string]any{
		"models": infos,
		"count":  len(infos),
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn().Err(err).Msg("Encode API response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
