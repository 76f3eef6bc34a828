package transcribe

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/audio"
)

// WorkerConfig holds the collaborators of a Worker.
type WorkerConfig struct {
	Recognizer   Recognizer
	VAD          VAD
	Output       Output
	Language     string
	SessionStart time.Time
	Logger       zerolog.Logger
}

// Stats counts what happened to the chunks a worker received.
type Stats struct {
	Processed uint64
	Silent    uint64
	Failed    uint64
	Discarded uint64
}

// Worker is the single consumer of the chunk queue. Every chunk it receives
// is released before the next one is taken, whatever the outcome.
type Worker struct {
	rec          Recognizer
	vad          VAD
	out          Output
	language     string
	sessionStart time.Time
	log          zerolog.Logger

	processed atomic.Uint64
	silent    atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		rec:          cfg.Recognizer,
		vad:          cfg.VAD,
		out:          cfg.Output,
		language:     cfg.Language,
		sessionStart: cfg.SessionStart,
		log:          cfg.Logger.With().Str("component", "transcribe").Logger(),
	}
}

// Run consumes chunks until the channel is closed or ctx is cancelled. On
// cancel the chunk in progress is finished and everything still queued is
// released without being transcribed.
func (w *Worker) Run(ctx context.Context, chunks <-chan *audio.Chunk) {
	w.log.Debug().Msg("Transcription worker started")
	defer w.log.Debug().Msg("Transcription worker stopped")

	for {
		if ctx.Err() != nil {
			w.drain(chunks)
			return
		}
		select {
		case <-ctx.Done():
			w.drain(chunks)
			return
		case c, ok := <-chunks:
			if !ok {
				return
			}
			w.process(ctx, c)
		}
	}
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Silent:    w.silent.Load(),
		Failed:    w.failed.Load(),
		Discarded: w.discarded.Load(),
	}
}

func (w *Worker) drain(chunks <-chan *audio.Chunk) {
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return
			}
			c.Release()
			w.discarded.Add(1)
		default:
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, c *audio.Chunk) {
	defer c.Release()

	// never log audio or text, only where it came from and how long it was
	log := w.log.With().Str("device", c.DeviceID).Dur("chunk_duration", c.Duration()).Logger()

	if !w.vad.HasSpeech(c.Samples, c.SampleRate) {
		w.silent.Add(1)
		log.Debug().Msg("No speech in chunk, skipping recognition")
		return
	}

	start := time.Now()
	results, err := w.recognize(ctx, c.Samples)
	if err != nil {
		w.failed.Add(1)
		log.Error().Err(err).Msg("Recognition failed, chunk skipped")
		return
	}

	segments := toSegments(c, results, w.sessionStart)
	for _, seg := range segments {
		if err := w.out.Append(seg); err != nil {
			log.Warn().Err(err).Msg("Output rejected segment")
		}
	}
	w.processed.Add(1)
	log.Debug().
		Int("segments", len(segments)).
		Dur("latency", time.Since(start)).
		Msg("Chunk transcribed")
}

func (w *Worker) recognize(ctx context.Context, samples []float32) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("%w: panic: %v", ErrModelInvocation, r)
		}
	}()

	results, err = w.rec.Transcribe(ctx, samples, Options{Language: w.language})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelInvocation, err)
	}
	return results, nil
}

// toSegments maps chunk-relative results onto the wall clock, dropping empty
// text and ordering by start.
func toSegments(c *audio.Chunk, results []Result, sessionStart time.Time) []Segment {
	limit := c.Duration()
	segments := make([]Segment, 0, len(results))
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		start := clampOffset(r.Start, limit)
		end := max(clampOffset(r.End, limit), start)

		seg := Segment{
			DeviceID: c.DeviceID,
			Start:    c.StartedAt.Add(start),
			End:      c.StartedAt.Add(end),
			Text:     text,
		}
		if !sessionStart.IsZero() {
			seg.StartOffset = max(seg.Start.Sub(sessionStart), 0)
			seg.EndOffset = max(seg.End.Sub(sessionStart), 0)
		}
		segments = append(segments, seg)
	}
	slices.SortStableFunc(segments, func(a, b Segment) int {
		return a.Start.Compare(b.Start)
	})
	return segments
}

func clampOffset(d, limit time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
