// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import "testing"

func TestFuzzyBestMatch_ExactWins(t *testing.T) {
	got, ok := fuzzyBestMatch("api-gateway", []string{"api-gateway", "web-frontend", "billing"})
	if !ok || got != "api-gateway" {
		t.Fatalf("got (%q, %v), want (api-gateway, true)", got, ok)
	}
}

func TestFuzzyBestMatch_TypoTolerant(t *testing.T) {
	got, ok := fuzzyBestMatch("api-gatway", []string{"api-gateway", "billing"})
	if !ok || got != "api-gateway" {
		t.Fatalf("got (%q, %v), want (api-gateway, true)", got, ok)
	}
}

func TestFuzzyBestMatch_NoCandidates(t *testing.T) {
	if _, ok := fuzzyBestMatch("anything", nil); ok {
		t.Error("matched against an empty candidate list")
	}
}
