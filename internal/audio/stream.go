package audio

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// StreamState is the lifecycle of a DeviceStream.
type StreamState int32

const (
	StateCreated StreamState = iota
	StateOpened
	StateReading
	StateClosed
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

// DeviceStats is a point-in-time view of one device's capture.
type DeviceStats struct {
	DeviceID     string
	State        StreamState
	FramesRead   uint64
	Dropped      uint64
	ReadFailures uint64
}

// DeviceStream owns one device and runs its blocking read loop on a
// dedicated OS thread. Delivery callbacks are never used: on some driver
// combinations a stream reports a successful start and then never calls
// back, so "opened" and "data flowing" are tracked separately.
type DeviceStream struct {
	dev     Device
	backend Backend
	queue   *FrameQueue
	cfg     Config
	log     zerolog.Logger
	onFail  func(deviceID string, err error)

	mu     sync.Mutex
	state  StreamState
	handle Handle
	cancel context.CancelFunc
	done   chan struct{}

	framesRead atomic.Uint64
	dropped    atomic.Uint64
	failures   atomic.Uint64
	lastData   atomic.Int64
}

// NewDeviceStream creates a stream in the Created state. onFail is invoked
// from the read goroutine once the device exceeds its read failure budget.
func NewDeviceStream(dev Device, backend Backend, queue *FrameQueue, cfg Config, log zerolog.Logger, onFail func(string, error)) *DeviceStream {
	return &DeviceStream{
		dev:     dev,
		backend: backend,
		queue:   queue,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("device", dev.ID).Logger(),
		onFail:  onFail,
		state:   StateCreated,
	}
}

// Device returns the device this stream reads from.
func (s *DeviceStream) Device() Device {
	return s.dev
}

// State returns the current lifecycle state of the stream.
func (s *DeviceStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped returns how many frames of this device were evicted from a full
// capture queue.
func (s *DeviceStream) Dropped() uint64 {
	return s.dropped.Load()
}

// Stats returns a snapshot of the read, drop and failure counters.
func (s *DeviceStream) Stats() DeviceStats {
	return DeviceStats{
		DeviceID:     s.dev.ID,
		State:        s.State(),
		FramesRead:   s.framesRead.Load(),
		Dropped:      s.dropped.Load(),
		ReadFailures: s.failures.Load(),
	}
}

// Open acquires the OS capture handle. Denied or missing devices yield
// ErrDeviceUnavailable.
func (s *DeviceStream) Open() error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("device stream %s: cannot open in state %s", s.dev.ID, state)
	}
	s.mu.Unlock()

	h, err := s.backend.Open(s.dev, s.cfg.framesPerRead(s.dev.SampleRate))
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.state = StateOpened
	s.mu.Unlock()
	return nil
}

// Start launches the read loop. It is a no-op unless the stream is Opened.
func (s *DeviceStream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateOpened {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.state = StateReading
	h := s.handle
	s.mu.Unlock()

	go s.readLoop(ctx, h)
}

// Stop signals the read loop and waits for it to exit, which takes at most
// one read timeout.
func (s *DeviceStream) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil && s.state == StateOpened {
		if s.handle != nil {
			s.handle.Close()
			s.handle = nil
		}
		s.state = StateClosed
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *DeviceStream) readLoop(ctx context.Context, h Handle) {
	// one OS thread per device; the blocking read must never share it
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	frames := s.cfg.framesPerRead(s.dev.SampleRate)
	channels := max(s.dev.Channels, 1)
	buf := make([]float32, frames*channels)
	defer clear(buf)

	failed := false
	defer func() {
		if h != nil {
			h.Close()
		}
		s.mu.Lock()
		s.handle = nil
		if !failed {
			s.state = StateClosed
		}
		s.mu.Unlock()
	}()

	s.lastData.Store(time.Now().UnixNano())
	silentWarned := false
	consecutive := 0

	s.log.Debug().Int("frames_per_read", frames).Int("rate", s.dev.SampleRate).Msg("Read loop started")

	for ctx.Err() == nil {
		if h == nil {
			reopened, err := s.backend.Open(s.dev, frames)
			if err != nil {
				consecutive++
				s.failures.Add(1)
				if consecutive >= s.cfg.MaxReadFailures {
					failed = true
					s.fail(err, consecutive)
					return
				}
				s.log.Warn().Err(err).Int("consecutive_failures", consecutive).Msg("Reopen failed")
				s.backoff(ctx)
				continue
			}
			h = reopened
			s.mu.Lock()
			s.handle = h
			s.mu.Unlock()
		}

		n, err := h.Read(buf, s.cfg.ReadTimeout)
		if err != nil {
			consecutive++
			s.failures.Add(1)
			h.Close()
			h = nil
			s.mu.Lock()
			s.handle = nil
			s.mu.Unlock()
			if consecutive >= s.cfg.MaxReadFailures {
				failed = true
				s.fail(err, consecutive)
				return
			}
			s.log.Warn().Err(err).Int("consecutive_failures", consecutive).Msg("Read failed, reopening device")
			continue
		}
		consecutive = 0

		if n == 0 {
			s.checkSilence(&silentWarned)
			continue
		}
		s.lastData.Store(time.Now().UnixNano())
		silentWarned = false

		samples := make([]float32, n*channels)
		copy(samples, buf[:n*channels])
		frame := &Frame{
			DeviceID:   s.dev.ID,
			Samples:    samples,
			SampleRate: s.dev.SampleRate,
			Channels:   channels,
			CapturedAt: time.Now().Add(-time.Duration(n) * time.Second / time.Duration(s.dev.SampleRate)),
		}
		s.framesRead.Add(1)
		if s.queue.Push(frame) {
			s.dropped.Add(1)
		}
	}
}

func (s *DeviceStream) fail(err error, consecutive int) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()

	s.log.Error().Err(err).Int("consecutive_failures", consecutive).Msg("Device exceeded read failure limit, dropping it")
	if s.onFail != nil {
		s.onFail(s.dev.ID, fmt.Errorf("%w: %v", ErrReadFailure, err))
	}
}

func (s *DeviceStream) backoff(ctx context.Context) {
	t := time.NewTimer(s.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *DeviceStream) checkSilence(warned *bool) {
	if *warned || s.cfg.SilenceWarn <= 0 {
		return
	}
	idle := time.Since(time.Unix(0, s.lastData.Load()))
	if idle >= s.cfg.SilenceWarn {
		*warned = true
		s.log.Warn().Dur("idle", idle).Msg("Device is open but no audio is flowing")
	}
}
