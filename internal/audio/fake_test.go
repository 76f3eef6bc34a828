package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeBackend serves a fixed device list; each device's reads are scripted
// by a readFunc keyed on device id.
type fakeBackend struct {
	mu      sync.Mutex
	infos   []DeviceInfo
	readers map[string]readFunc
	denied  map[string]bool
	opens   map[string]int
	calls   map[string]int
}

type readFunc func(call int, buf []float32, channels int, timeout time.Duration) (int, error)

func newFakeBackend(infos ...DeviceInfo) *fakeBackend {
	return &fakeBackend{
		infos:   infos,
		readers: make(map[string]readFunc),
		denied:  make(map[string]bool),
		opens:   make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (b *fakeBackend) Devices() ([]DeviceInfo, error) {
	return b.infos, nil
}

func (b *fakeBackend) Open(dev Device, framesPerRead int) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.denied[dev.ID] {
		return nil, errors.New("access denied")
	}
	b.opens[dev.ID]++
	return &fakeHandle{backend: b, dev: dev}, nil
}

func (b *fakeBackend) openCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[id]
}

type fakeHandle struct {
	backend *fakeBackend
	dev     Device
}

func (h *fakeHandle) Read(buf []float32, timeout time.Duration) (int, error) {
	h.backend.mu.Lock()
	call := h.backend.calls[h.dev.ID]
	h.backend.calls[h.dev.ID]++
	read := h.backend.readers[h.dev.ID]
	h.backend.mu.Unlock()

	if read == nil {
		time.Sleep(timeout)
		return 0, nil
	}
	return read(call, buf, h.dev.Channels, timeout)
}

func (h *fakeHandle) Close() error {
	return nil
}

// fullReads fills the whole buffer with v on every call.
func fullReads(v float32) readFunc {
	return func(_ int, buf []float32, channels int, _ time.Duration) (int, error) {
		time.Sleep(time.Millisecond)
		for i := range buf {
			buf[i] = v
		}
		return len(buf) / channels, nil
	}
}

// failingReads fails the first n calls, then behaves like fullReads.
func failingReads(n int) readFunc {
	ok := fullReads(0.1)
	return func(call int, buf []float32, channels int, timeout time.Duration) (int, error) {
		if call < n {
			return 0, errors.New("device glitch")
		}
		return ok(call, buf, channels, timeout)
	}
}

func loopbackInfo(name string, rate float64, channels int) DeviceInfo {
	return DeviceInfo{
		HostAPI:          "Test",
		Name:             name + " [Loopback]",
		MaxInputChannels: channels,
		SampleRate:       rate,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	cfg.StatsInterval = 0
	return cfg
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
