// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package alerting manages alert lifecycle after detection: deduplication
// of near-identical alerts, correlation of related alerts into incident
// candidates, confidence-based filtering, and outbound notification.
package alerting

import (
	"strings"

	"github.com/watchtower-sec/watchtower/internal/models"
)

// Similarity rubric weights. The sum is 1.0 so a perfect match scores 1.0.
const (
	weightSameType     = 0.4
	weightSameSeverity = 0.2
	weightSameSubject  = 0.2
	weightSameResource = 0.1
	weightTitleSim     = 0.1
)

// Similarity scores how alike two alerts are in [0,1]. Cross-tenant pairs
// are never similar.
func Similarity(a, b *models.Alert) float64 {
	if a.TenantID != b.TenantID {
		return 0
	}

	score := 0.0
	if a.RuleType == b.RuleType {
		score += weightSameType
	}
	if a.Severity == b.Severity {
		score += weightSameSeverity
	}
	if a.SubjectID != "" && a.SubjectID == b.SubjectID {
		score += weightSameSubject
	}
	if a.ResourceID != "" && a.ResourceID == b.ResourceID {
		score += weightSameResource
	}
	score += weightTitleSim * titleSimilarity(a.Title, b.Title)
	return score
}

// titleSimilarity is the Jaccard similarity of the lowercased token sets.
func titleSimilarity(a, b string) float64 {
	tokensA := tokenize(a)
	tokensB := tokenize(b)
	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 1
	}
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	intersection := 0
	for token := range tokensA {
		if _, ok := tokensB[token]; ok {
			intersection++
		}
	}
	union := len(tokensA) + len(tokensB) - intersection
	return float64(intersection) / float64(union)
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(s)) {
		field = strings.Trim(field, ".,:;!?()[]\"'")
		if field != "" {
			tokens[field] = struct{}{}
		}
	}
	return tokens
}
