package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOrchestratorStartWithoutDevices(t *testing.T) {
	o := NewOrchestrator(newFakeBackend(), nopLogger())

	if err := o.Start(context.Background(), nil, testConfig()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Errorf("expected ErrNoDeviceAvailable for empty set, got %v", err)
	}
	if err := o.Start(context.Background(), []string{"Test:Missing"}, testConfig()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Errorf("expected ErrNoDeviceAvailable for unknown device, got %v", err)
	}
}

func TestOrchestratorStartAllDenied(t *testing.T) {
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2))
	backend.denied[speakers] = true
	o := NewOrchestrator(backend, nopLogger())

	if err := o.Start(context.Background(), []string{speakers}, testConfig()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Errorf("expected ErrNoDeviceAvailable, got %v", err)
	}
}

func TestOrchestratorStartIsIdempotent(t *testing.T) {
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2), loopbackInfo("Headset", 44100, 2))
	o := NewOrchestrator(backend, nopLogger())
	defer o.Stop()

	if err := o.Start(context.Background(), []string{speakers}, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(context.Background(), []string{speakers}, testConfig()); err != nil {
		t.Errorf("expected second start with the same set to be a no-op, got %v", err)
	}
	if got := backend.openCount(speakers); got != 1 {
		t.Errorf("expected the device to be opened once, got %d", got)
	}
	err := o.Start(context.Background(), []string{speakers, "Test:Headset [Loopback]"}, testConfig())
	if !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("expected ErrAlreadyCapturing, got %v", err)
	}
}

func TestOrchestratorEmitsCanonicalChunksPerDevice(t *testing.T) {
	const headset = "Test:Headset [Loopback]"
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2), loopbackInfo("Headset", 44100, 1))
	backend.readers[speakers] = fullReads(0.25)
	backend.readers[headset] = fullReads(-0.25)

	cfg := testConfig()
	cfg.CaptureQueueFrames = 4096

	o := NewOrchestrator(backend, nopLogger())
	if err := o.Start(context.Background(), []string{speakers, headset}, cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	chunks := o.Chunks()
	seen := make(map[string]*Chunk)
	timeout := time.After(20 * time.Second)
	for len(seen) < 2 {
		select {
		case c := <-chunks:
			if _, ok := seen[c.DeviceID]; !ok {
				seen[c.DeviceID] = c
				continue
			}
			c.Release()
		case <-timeout:
			t.Fatalf("timed out waiting for chunks, got %d", len(seen))
		}
	}

	for id, c := range seen {
		if len(c.Samples) != 160000 {
			t.Errorf("%s: expected 160000 samples, got %d", id, len(c.Samples))
		}
		if c.SampleRate != CanonicalRate {
			t.Errorf("%s: expected rate %d, got %d", id, CanonicalRate, c.SampleRate)
		}
		if c.Duration() != cfg.BufferDuration {
			t.Errorf("%s: expected duration %v, got %v", id, cfg.BufferDuration, c.Duration())
		}
		if c.StartedAt.IsZero() {
			t.Errorf("%s: expected a start time", id)
		}
		c.Release()
		if c.Samples != nil {
			t.Errorf("%s: expected release to drop samples", id)
		}
	}
}

func TestOrchestratorOpensDuplicateDeviceOnce(t *testing.T) {
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2))
	o := NewOrchestrator(backend, nopLogger())
	defer o.Stop()

	if err := o.Start(context.Background(), []string{speakers, speakers}, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := backend.openCount(speakers); got != 1 {
		t.Errorf("expected the device to be opened once, got %d", got)
	}
	if active := o.Active(); len(active) != 1 || active[0] != speakers {
		t.Errorf("expected one active stream, got %v", active)
	}
	if err := o.Start(context.Background(), []string{speakers}, testConfig()); err != nil {
		t.Errorf("expected start with the deduplicated set to be a no-op, got %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestAccumulateCutsWindowAtCaptureGap(t *testing.T) {
	cfg := testConfig()
	cfg.BufferDuration = 500 * time.Millisecond
	frames := NewFrameQueue(64)
	chunks := make(chan *Chunk, 4)
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	push := func(at time.Time) {
		frames.Push(&Frame{
			DeviceID:   speakers,
			Samples:    make([]float32, 1600),
			SampleRate: CanonicalRate,
			Channels:   1,
			CapturedAt: at,
		})
	}
	// 200 ms of audio, two seconds of nothing, then a full window
	push(start)
	push(start.Add(100 * time.Millisecond))
	resumed := start.Add(2300 * time.Millisecond)
	for i := range 5 {
		push(resumed.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	o := NewOrchestrator(newFakeBackend(), nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.accumulate(ctx, frames, chunks, cfg)
	}()

	var got []*Chunk
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case c := <-chunks:
			got = append(got, c)
		case <-timeout:
			t.Fatalf("timed out waiting for chunks, got %d", len(got))
		}
	}
	cancel()
	<-done

	if len(got[0].Samples) != 3200 || !got[0].StartedAt.Equal(start) {
		t.Errorf("expected the audio before the gap as a 3200 sample chunk at %v, got %d at %v",
			start, len(got[0].Samples), got[0].StartedAt)
	}
	if len(got[1].Samples) != cfg.ChunkSamples() || !got[1].StartedAt.Equal(resumed) {
		t.Errorf("expected a full chunk starting at %v, got %d at %v",
			resumed, len(got[1].Samples), got[1].StartedAt)
	}
	for _, c := range got {
		c.Release()
	}
}

func TestOrchestratorStopDiscardsPartialWindow(t *testing.T) {
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2))
	backend.readers[speakers] = func(_ int, buf []float32, channels int, _ time.Duration) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return len(buf) / channels, nil
	}

	o := NewOrchestrator(backend, nopLogger())
	if err := o.Start(context.Background(), []string{speakers}, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		stats := o.Stats()
		return len(stats) == 1 && stats[0].FramesRead >= 5
	})
	chunks := o.Chunks()

	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// far less than 10 s of audio was read, so nothing may be emitted
	for c := range chunks {
		t.Errorf("expected no chunk, got %d samples from %s", len(c.Samples), c.DeviceID)
	}
	if err := o.Stop(); err != nil {
		t.Errorf("expected second stop to be a no-op, got %v", err)
	}
}

func TestOrchestratorIsolatesFailedDevice(t *testing.T) {
	const headset = "Test:Headset [Loopback]"
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2), loopbackInfo("Headset", 44100, 2))
	backend.readers[speakers] = fullReads(0.1)
	backend.readers[headset] = failingReads(1 << 30)

	cfg := testConfig()
	cfg.MaxReadFailures = 3

	o := NewOrchestrator(backend, nopLogger())
	if err := o.Start(context.Background(), []string{speakers, headset}, cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(o.Active()) == 1 })
	if active := o.Active(); active[0] != speakers {
		t.Errorf("expected %s to stay active, got %v", speakers, active)
	}

	before := statsFor(o.Stats(), speakers).FramesRead
	waitFor(t, time.Second, func() bool { return statsFor(o.Stats(), speakers).FramesRead > before })
	if st := statsFor(o.Stats(), headset); st.State != StateFailed {
		t.Errorf("expected failed device state, got %s", st.State)
	}
}

func statsFor(stats []DeviceStats, id string) DeviceStats {
	for _, s := range stats {
		if s.DeviceID == id {
			return s
		}
	}
	return DeviceStats{}
}

func TestConfigChunkSamples(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ChunkSamples(); got != 160000 {
		t.Errorf("expected 160000, got %d", got)
	}
	if got := cfg.framesPerRead(44100); got != 4410 {
		t.Errorf("expected 4410 frames per read, got %d", got)
	}
	got := (Config{}).withDefaults()
	if got.BufferDuration != 10*time.Second || got.CanonicalRate != CanonicalRate || got.MaxReadFailures != 5 {
		t.Errorf("expected zero config to take defaults, got %+v", got)
	}
}
