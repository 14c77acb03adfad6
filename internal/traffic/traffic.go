// Package traffic keeps a sliding window of request outcomes. The health
// endpoint derives overload (denials) and degraded (error rate) from it.
package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRetention bounds how far back outcomes are kept.
const DefaultRetention = 5 * time.Minute

var defaultTracker = NewTracker(nil, DefaultRetention)

// RecordSuccess records a request served without upstream failure.
func RecordSuccess() { defaultTracker.Record(Success, 1) }

// RecordError records a request that failed upstream (geocoder, forecast or store).
func RecordError() { defaultTracker.Record(Failure, 1) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied, 1) }

// RecordSuccessN records n successes at once. Used by testing-mode load injection.
func RecordSuccessN(n int) { defaultTracker.Record(Success, n) }

// RecordErrorN records n failures at once. Used by testing-mode error injection.
func RecordErrorN(n int) { defaultTracker.Record(Failure, n) }

// RequestCount returns all outcomes (success, error, denied) within window.
func RequestCount(window time.Duration) int { return defaultTracker.Snapshot(window).Total() }

// DenialCount returns the denials within window.
func DenialCount(window time.Duration) int { return defaultTracker.Snapshot(window).Denied }

// ErrorRate returns (errors, successes+errors) within window; denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) {
	s := defaultTracker.Snapshot(window)
	return s.Failures, s.Successes + s.Failures
}

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// Outcome classifies a finished request.
type Outcome uint8

const (
	Success Outcome = iota
	Failure
	Denied
)

// Stats counts outcomes in one window.
type Stats struct {
	Successes int
	Failures  int
	Denied    int
}

// Total is the number of outcomes of any kind.
func (s Stats) Total() int { return s.Successes + s.Failures + s.Denied }

// ErrorPct is failures as a percentage of successes+failures, 0 when idle.
func (s Stats) ErrorPct() float64 {
	n := s.Successes + s.Failures
	if n == 0 {
		return 0
	}
	return float64(s.Failures) * 100 / float64(n)
}

type event struct {
	at    time.Time
	kind  Outcome
	count int
}

// Tracker records timestamped outcomes, oldest first.
type Tracker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	retention time.Duration
	events    []event
}

// NewTracker returns a Tracker that forgets outcomes older than retention.
// A nil clock uses the wall clock.
func NewTracker(clock clockwork.Clock, retention time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{clock: clock, retention: retention}
}

// Record adds n outcomes of kind at the current time.
func (t *Tracker) Record(kind Outcome, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.events = append(t.events, event{at: now, kind: kind, count: n})
	t.pruneLocked(now)
}

// Snapshot counts outcomes recorded within window of now.
func (t *Tracker) Snapshot(window time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	var s Stats
	for i := len(t.events) - 1; i >= 0; i-- {
		e := t.events[i]
		if e.at.Before(cutoff) {
			break
		}
		switch e.kind {
		case Success:
			s.Successes += e.count
		case Failure:
			s.Failures += e.count
		case Denied:
			s.Denied += e.count
		}
	}
	return s
}

// Reset forgets every outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	i := 0
	for i < len(t.events) && t.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
