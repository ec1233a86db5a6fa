package provider

import (
	"strings"

	"mosaiq/backend/internal/store"
)

// NormalizeStatus maps any provider status string, case-insensitively, onto
// the canonical job statuses. This table is the only place provider
// vocabulary differences are absorbed; extend it here when adding a provider,
// never branch on raw strings elsewhere.
func NormalizeStatus(raw string) store.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return store.StatusPending
	case "succeeded", "success", "completed":
		return store.StatusSucceeded
	case "failed", "failure", "error", "canceled", "cancelled":
		return store.StatusFailed
	case "pending", "queued", "starting", "created":
		return store.StatusQueued
	default:
		// processing, running, and anything a future provider invents
		return store.StatusRunning
	}
}
