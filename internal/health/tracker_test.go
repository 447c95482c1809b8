package health

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestOfflineAtThreshold(t *testing.T) {
	tr := NewTracker(zerolog.Nop())

	for i := 0; i < 4; i++ {
		tr.RecordFailure("dev-1", "timeout")
	}
	if h := tr.Get("dev-1"); h.IsOffline() {
		t.Fatalf("offline after 4 failures, expected threshold at 5")
	}

	tr.RecordFailure("dev-1", "timeout")
	h := tr.Get("dev-1")
	if !h.IsOffline() {
		t.Fatalf("not offline after 5 consecutive failures")
	}
	if h.IsConnected {
		t.Fatalf("still marked connected while offline")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	tr := NewTracker(zerolog.Nop())

	for i := 0; i < 7; i++ {
		tr.RecordFailure("dev-1", "timeout")
	}
	tr.RecordSuccess("dev-1", 5*time.Millisecond)

	h := tr.Get("dev-1")
	if h.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d after success, want 0", h.ConsecutiveFailures)
	}
	if h.IsOffline() {
		t.Fatalf("still offline after a successful read")
	}
	if h.LastError != "" {
		t.Fatalf("LastError = %q after success, want empty", h.LastError)
	}
	if h.LastSuccess == nil {
		t.Fatalf("LastSuccess not set")
	}
}

func TestSuccessRate(t *testing.T) {
	tr := NewTracker(zerolog.Nop())

	for i := 0; i < 3; i++ {
		tr.RecordSuccess("dev-1", time.Millisecond)
	}
	tr.RecordFailure("dev-1", "crc")

	h := tr.Get("dev-1")
	if got := h.SuccessRate(); got != 75 {
		t.Fatalf("SuccessRate = %v, want 75", got)
	}
}

func TestResponseWindowBounded(t *testing.T) {
	tr := NewTracker(zerolog.Nop())

	for i := 0; i < 150; i++ {
		tr.RecordSuccess("dev-1", time.Millisecond)
	}

	h := tr.Get("dev-1")
	if len(h.ResponseTimesMs) != responseWindowSize {
		t.Fatalf("window length = %d, want %d", len(h.ResponseTimesMs), responseWindowSize)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.RecordSuccess("dev-1", time.Millisecond)

	h := tr.Get("dev-1")
	h.ConsecutiveFailures = 99
	h.ResponseTimesMs[0] = -1

	fresh := tr.Get("dev-1")
	if fresh.ConsecutiveFailures != 0 {
		t.Fatalf("snapshot mutation leaked into tracker state")
	}
	if fresh.ResponseTimesMs[0] == -1 {
		t.Fatalf("response window shared between snapshots")
	}
}

func TestResetRemovesEntry(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	tr.RecordFailure("dev-1", "timeout")

	tr.Reset("dev-1")
	if tr.Get("dev-1") != nil {
		t.Fatalf("entry survived reset")
	}

	tr.RecordFailure("dev-1", "timeout")
	if h := tr.Get("dev-1"); h.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d after reset, want 1", h.ConsecutiveFailures)
	}
}

func TestGetUnknownDevice(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	if tr.Get("nope") != nil {
		t.Fatalf("expected nil for unknown device")
	}
}
