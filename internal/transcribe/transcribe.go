package transcribe

import (
	"context"
	"errors"
	"time"
)

// ErrModelInvocation wraps any failure of the recognizer for a single chunk.
var ErrModelInvocation = errors.New("model invocation failed")

// Options are passed to the recognizer on every call.
type Options struct {
	// Language is an ISO 639-1 hint, or "auto".
	Language string
}

// Result is one recognized span, relative to the start of the samples.
type Result struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Recognizer turns 16 kHz mono samples into ordered results. Implementations
// must tolerate repeated independent calls and need not be safe for
// concurrent use; the worker never calls them concurrently.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Result, error)
}

// VAD reports whether samples contain speech.
type VAD interface {
	HasSpeech(samples []float32, sampleRate int) bool
}

// Segment is a transcribed span mapped onto the wall clock.
type Segment struct {
	DeviceID string
	Start    time.Time
	End      time.Time
	// offsets from the session start
	StartOffset time.Duration
	EndOffset   time.Duration
	Text        string
}

// Output receives segments in per-device order.
type Output interface {
	Append(seg Segment) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(seg Segment) error

func (f OutputFunc) Append(seg Segment) error {
	return f(seg)
}
