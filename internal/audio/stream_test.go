package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const speakers = "Test:Speakers [Loopback]"

func speakersDevice() Device {
	return Device{ID: speakers, Name: "Speakers [Loopback]", SampleRate: 48000, Channels: 2}
}

func TestDeviceStreamOpenDenied(t *testing.T) {
	backend := newFakeBackend()
	backend.denied[speakers] = true

	st := NewDeviceStream(speakersDevice(), backend, NewFrameQueue(4), testConfig(), nopLogger(), nil)
	err := st.Open()
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if st.State() != StateCreated {
		t.Errorf("expected state created, got %s", st.State())
	}
}

func TestDeviceStreamStateTransitions(t *testing.T) {
	backend := newFakeBackend()
	st := NewDeviceStream(speakersDevice(), backend, NewFrameQueue(4), testConfig(), nopLogger(), nil)

	if st.State() != StateCreated {
		t.Fatalf("expected created, got %s", st.State())
	}
	if err := st.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if st.State() != StateOpened {
		t.Fatalf("expected opened, got %s", st.State())
	}
	if err := st.Open(); err == nil {
		t.Error("expected second Open to fail")
	}
	st.Start(context.Background())
	if st.State() != StateReading {
		t.Fatalf("expected reading, got %s", st.State())
	}
	st.Stop()
	if st.State() != StateClosed {
		t.Fatalf("expected closed, got %s", st.State())
	}
}

func TestDeviceStreamStopsWithinOneReadTimeout(t *testing.T) {
	backend := newFakeBackend()
	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond

	st := NewDeviceStream(speakersDevice(), backend, NewFrameQueue(4), cfg, nopLogger(), nil)
	if err := st.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	st.Stop()
	if elapsed := time.Since(start); elapsed > 2*cfg.ReadTimeout {
		t.Errorf("stop took %v, expected at most about one read timeout", elapsed)
	}
}

func TestDeviceStreamFailureBudget(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantFailed bool
	}{
		{name: "fewer than limit stays active", failures: 2, wantFailed: false},
		{name: "reaching limit fails", failures: 3, wantFailed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.readers[speakers] = failingReads(tt.failures)
			cfg := testConfig()
			cfg.MaxReadFailures = 3

			var mu sync.Mutex
			var failErr error
			onFail := func(id string, err error) {
				mu.Lock()
				failErr = err
				mu.Unlock()
			}

			st := NewDeviceStream(speakersDevice(), backend, NewFrameQueue(1024), cfg, nopLogger(), onFail)
			if err := st.Open(); err != nil {
				t.Fatalf("open: %v", err)
			}
			st.Start(context.Background())
			defer st.Stop()

			if tt.wantFailed {
				waitFor(t, time.Second, func() bool { return st.State() == StateFailed })
				mu.Lock()
				defer mu.Unlock()
				if !errors.Is(failErr, ErrReadFailure) {
					t.Errorf("expected ErrReadFailure, got %v", failErr)
				}
				return
			}

			waitFor(t, time.Second, func() bool { return st.Stats().FramesRead > 0 })
			if st.State() != StateReading {
				t.Errorf("expected reading, got %s", st.State())
			}
			if got := st.Stats().ReadFailures; got != uint64(tt.failures) {
				t.Errorf("expected %d read failures, got %d", tt.failures, got)
			}
			// each failure closes the handle and reopens the device
			if got := backend.openCount(speakers); got != tt.failures+1 {
				t.Errorf("expected %d opens, got %d", tt.failures+1, got)
			}
			mu.Lock()
			defer mu.Unlock()
			if failErr != nil {
				t.Errorf("expected no failure callback, got %v", failErr)
			}
		})
	}
}
