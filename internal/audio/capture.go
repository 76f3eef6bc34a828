package audio

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config is the immutable per-session capture configuration. It is passed by
// value into Start and never read from shared state afterwards.
type Config struct {
	BufferDuration     time.Duration
	CanonicalRate      int
	Language           string
	FrameDuration      time.Duration
	ReadTimeout        time.Duration
	MaxReadFailures    int
	RetryBackoff       time.Duration
	CaptureQueueFrames int
	ChunkQueueSize     int
	SilenceWarn        time.Duration
	StatsInterval      time.Duration
}

// DefaultConfig returns 10 s non-overlapping windows at 16 kHz fed by
// 100 ms blocking reads.
func DefaultConfig() Config {
	return Config{
		BufferDuration:     10 * time.Second,
		CanonicalRate:      CanonicalRate,
		Language:           "auto",
		FrameDuration:      100 * time.Millisecond,
		ReadTimeout:        150 * time.Millisecond,
		MaxReadFailures:    5,
		RetryBackoff:       250 * time.Millisecond,
		CaptureQueueFrames: 64,
		ChunkQueueSize:     4,
		SilenceWarn:        30 * time.Second,
		StatsInterval:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferDuration <= 0 {
		c.BufferDuration = d.BufferDuration
	}
	if c.CanonicalRate <= 0 {
		c.CanonicalRate = d.CanonicalRate
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = d.FrameDuration
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.MaxReadFailures <= 0 {
		c.MaxReadFailures = d.MaxReadFailures
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.CaptureQueueFrames <= 0 {
		c.CaptureQueueFrames = d.CaptureQueueFrames
	}
	if c.ChunkQueueSize <= 0 {
		c.ChunkQueueSize = d.ChunkQueueSize
	}
	return c
}

func (c Config) framesPerRead(rate int) int {
	return max(1, int(int64(rate)*int64(c.FrameDuration)/int64(time.Second)))
}

// ChunkSamples is the number of canonical-rate samples in one window.
func (c Config) ChunkSamples() int {
	return int(int64(c.CanonicalRate) * int64(c.BufferDuration) / int64(time.Second))
}

// Capture is the capture orchestrator used by a session.
type Capture interface {
	Start(ctx context.Context, deviceIDs []string, cfg Config) error
	Chunks() <-chan *Chunk
	Stop() error
	Active() []string
	Stats() []DeviceStats
}

// Orchestrator runs one DeviceStream per selected device, resamples every
// frame to the canonical rate and cuts per-device windows into Chunks.
type Orchestrator struct {
	enum    *Enumerator
	backend Backend
	log     zerolog.Logger

	// guards the active device set and session fields; never held across a
	// blocking read
	mu        sync.Mutex
	capturing bool
	deviceSet string
	streams   map[string]*DeviceStream
	active    map[string]struct{}
	frames    *FrameQueue
	chunks    chan *Chunk
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewOrchestrator returns an idle Orchestrator capturing through backend.
func NewOrchestrator(backend Backend, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		enum:    NewEnumerator(backend),
		backend: backend,
		log:     log.With().Str("component", "capture").Logger(),
	}
}

// Start opens a stream per device and begins accumulating. Calling it again
// for the same device set while capturing is a no-op.
func (o *Orchestrator) Start(ctx context.Context, deviceIDs []string, cfg Config) error {
	cfg = cfg.withDefaults()
	deviceIDs = uniqueIDs(deviceIDs)
	set := deviceSetKey(deviceIDs)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.capturing {
		if o.deviceSet == set {
			return nil
		}
		return ErrAlreadyCapturing
	}
	if len(deviceIDs) == 0 {
		return ErrNoDeviceAvailable
	}

	devices, missing, err := o.enum.Lookup(deviceIDs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDeviceAvailable, err)
	}
	for _, id := range missing {
		o.log.Warn().Str("device", id).Msg("Selected device is no longer present, skipping")
	}

	frames := NewFrameQueue(cfg.CaptureQueueFrames)
	streams := make(map[string]*DeviceStream, len(devices))
	for _, dev := range devices {
		if _, ok := streams[dev.ID]; ok {
			continue
		}
		st := NewDeviceStream(dev, o.backend, frames, cfg, o.log, o.onDeviceFailed)
		if err := st.Open(); err != nil {
			o.log.Warn().Err(err).Str("device", dev.ID).Msg("Device unavailable, excluding it")
			continue
		}
		streams[dev.ID] = st
	}
	if len(streams) == 0 {
		frames.Close()
		return ErrNoDeviceAvailable
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.capturing = true
	o.deviceSet = set
	o.streams = streams
	o.active = make(map[string]struct{}, len(streams))
	o.frames = frames
	o.chunks = make(chan *Chunk, cfg.ChunkQueueSize)
	o.cancel = cancel
	o.done = make(chan struct{})

	for id, st := range streams {
		o.active[id] = struct{}{}
		st.Start(runCtx)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.accumulate(runCtx, frames, o.chunks, cfg)
	}()
	go func() {
		defer wg.Done()
		o.logStats(runCtx, cfg.StatsInterval)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(o.done)

	o.log.Info().
		Int("devices", len(streams)).
		Dur("buffer_duration", cfg.BufferDuration).
		Int("rate", cfg.CanonicalRate).
		Msg("Capture started")
	return nil
}

// Chunks returns the transcription queue of the current session. It is
// closed by Stop.
func (o *Orchestrator) Chunks() <-chan *Chunk {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chunks
}

// Stop halts every stream, waits for the read loops and the accumulator,
// and discards partial windows instead of emitting them.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.capturing {
		o.mu.Unlock()
		return nil
	}
	o.capturing = false
	streams := make([]*DeviceStream, 0, len(o.streams))
	for _, st := range o.streams {
		streams = append(streams, st)
	}
	cancel, done, frames, chunks := o.cancel, o.done, o.frames, o.chunks
	o.active = nil
	o.mu.Unlock()

	// onDeviceFailed takes o.mu, so streams are joined without it
	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Add(1)
		go func(st *DeviceStream) {
			defer wg.Done()
			st.Stop()
		}(st)
	}
	wg.Wait()

	cancel()
	<-done
	discarded := frames.Close()
	close(chunks)

	o.log.Info().Int("discarded_frames", discarded).Msg("Capture stopped")
	return nil
}

// Active lists the ids of devices that are still capturing.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns a snapshot of the counters of every open device stream.
func (o *Orchestrator) Stats() []DeviceStats {
	o.mu.Lock()
	streams := make([]*DeviceStream, 0, len(o.streams))
	for _, st := range o.streams {
		streams = append(streams, st)
	}
	o.mu.Unlock()

	stats := make([]DeviceStats, 0, len(streams))
	for _, st := range streams {
		stats = append(stats, st.Stats())
	}
	slices.SortFunc(stats, func(a, b DeviceStats) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return stats
}

func (o *Orchestrator) onDeviceFailed(id string, err error) {
	o.mu.Lock()
	delete(o.active, id)
	remaining := len(o.active)
	o.mu.Unlock()

	o.log.Error().Err(err).Str("device", id).Int("remaining", remaining).Msg("Device removed from capture")
}

type window struct {
	samples   []float32
	startedAt time.Time
}

func (o *Orchestrator) accumulate(ctx context.Context, frames *FrameQueue, chunks chan<- *Chunk, cfg Config) {
	target := cfg.ChunkSamples()
	windows := make(map[string]*window)

	defer func() {
		for id, w := range windows {
			if len(w.samples) > 0 {
				o.log.Debug().Str("device", id).Int("samples", len(w.samples)).Msg("Discarding partial window")
			}
			clear(w.samples[:cap(w.samples)])
			w.samples = nil
		}
	}()

	for {
		f, ok := frames.Pop(ctx)
		if !ok {
			return
		}
		mono := toCanonical(f, cfg.CanonicalRate)
		id, capturedAt := f.DeviceID, f.CapturedAt
		f.Release()

		w := windows[id]
		if w == nil {
			// room for one full window plus the overshoot of a single frame
			w = &window{samples: make([]float32, 0, 2*target)}
			windows[id] = w
		}

		// audio lost to drops or a reopen would shift every later timestamp,
		// so the window is cut at the gap and restarted at the new frame
		if w.gapBefore(capturedAt, cfg.CanonicalRate, cfg.FrameDuration) {
			o.log.Debug().Str("device", id).Time("resumed_at", capturedAt).Msg("Capture gap, cutting window early")
			if !o.emit(ctx, chunks, w.cut(id, len(w.samples), cfg)) {
				clear(mono)
				return
			}
		}
		if len(w.samples) == 0 {
			w.startedAt = capturedAt
		}
		w.samples = append(w.samples, mono...)
		clear(mono)

		for len(w.samples) >= target {
			if !o.emit(ctx, chunks, w.cut(id, target, cfg)) {
				return
			}
		}
	}
}

// emit hands c to the worker. It reports false, with c released, once ctx
// is done.
func (o *Orchestrator) emit(ctx context.Context, chunks chan<- *Chunk, c *Chunk) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		c.Release()
		return false
	}
}

// gapBefore reports whether a frame captured at capturedAt starts more than
// tolerance after the end of the buffered audio.
func (w *window) gapBefore(capturedAt time.Time, rate int, tolerance time.Duration) bool {
	if len(w.samples) == 0 {
		return false
	}
	end := w.startedAt.Add(time.Duration(len(w.samples)) * time.Second / time.Duration(rate))
	return capturedAt.Sub(end) > tolerance
}

// cut moves the first n samples into a new Chunk and advances the window
// start past them.
func (w *window) cut(id string, n int, cfg Config) *Chunk {
	chunk := &Chunk{
		DeviceID:   id,
		Samples:    make([]float32, n),
		SampleRate: cfg.CanonicalRate,
		StartedAt:  w.startedAt,
	}
	copy(chunk.Samples, w.samples[:n])
	rest := copy(w.samples, w.samples[n:])
	clear(w.samples[rest:])
	w.samples = w.samples[:rest]
	w.startedAt = w.startedAt.Add(chunk.Duration())
	return chunk
}

func (o *Orchestrator) logStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range o.Stats() {
				o.log.Info().
					Str("device", s.DeviceID).
					Str("state", s.State.String()).
					Uint64("frames_read", s.FramesRead).
					Uint64("dropped", s.Dropped).
					Uint64("read_failures", s.ReadFailures).
					Msg("Capture stats")
			}
		}
	}
}

func deviceSetKey(ids []string) string {
	return strings.Join(uniqueIDs(ids), "\x00")
}

// uniqueIDs returns ids sorted with duplicates and empty ids removed.
func uniqueIDs(ids []string) []string {
	sorted := slices.Compact(slices.Sorted(slices.Values(ids)))
	return slices.DeleteFunc(sorted, func(id string) bool { return id == "" })
}
