package lifecycle

import (
	"testing"
	"time"
)

func TestShuttingDown(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
}

func TestReadyAfter(t *testing.T) {
	defer SetReadyAfter(time.Time{})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	SetReadyAfter(time.Time{})
	if !IsReady(now) {
		t.Error("IsReady() = false with zero ready time, want true")
	}

	SetReadyAfter(now.Add(3 * time.Second))
	if IsReady(now) {
		t.Error("IsReady() = true before ready time")
	}
	if !IsReady(now.Add(3 * time.Second)) {
		t.Error("IsReady() = false at ready time")
	}
}
