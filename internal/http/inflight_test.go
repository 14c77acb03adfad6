package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func TestInFlightTracker_ConcurrentUpdates(t *testing.T) {
	tracker := &InFlightTracker{}
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Increment()
				tracker.Decrement()
			}
			tracker.Increment()
		}()
	}
	wg.Wait()

	if got := tracker.Count(); got != workers {
		t.Errorf("Count() = %d, want %d", got, workers)
	}
}

func TestInFlightTracker_WaitForZero(t *testing.T) {
	tests := []struct {
		name    string
		pending int
		release bool
		wantErr error
	}{
		{"already idle", 0, false, nil},
		{"drains", 2, true, nil},
		{"deadline", 1, false, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &InFlightTracker{}
			for i := 0; i < tt.pending; i++ {
				tracker.Increment()
			}
			if tt.release {
				go func() {
					time.Sleep(10 * time.Millisecond)
					for i := 0; i < tt.pending; i++ {
						tracker.Decrement()
					}
				}()
			}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			err := tracker.WaitForZero(ctx, time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForZero() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestWaitForInFlight_DrainsMiddlewareRequests holds a request inside
// MetricsMiddleware and checks shutdown waits for it.
func TestWaitForInFlight_DrainsMiddlewareRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/hold", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})

	before := InFlightCount()
	served := make(chan struct{})
	go func() {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/hold", nil))
		close(served)
	}()
	<-entered

	if got := InFlightCount(); got != before+1 {
		t.Fatalf("InFlightCount() = %d, want %d", got, before+1)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitForInFlight(short, time.Millisecond); err == nil {
		t.Error("WaitForInFlight() returned while a request was held")
	}

	close(release)
	<-served
	if got := InFlightCount(); got != before {
		t.Errorf("InFlightCount() after request = %d, want %d", got, before)
	}
}
