package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/transcribe"
)

// Sink receives transcript text. Sinks never see audio.
type Sink interface {
	Append(seg transcribe.Segment) error
	Close() error
}

// SessionInfo identifies the session a set of sinks belongs to.
type SessionInfo struct {
	ID        string
	StartedAt time.Time
	Devices   []string
}

// Factory opens the sinks for a new session.
type Factory func(ctx context.Context, info SessionInfo) (Sink, error)

// Options selects which outputs a session writes to. Zero values disable
// the corresponding sink.
type Options struct {
	Dir                  string
	ClassificationHeader string
	LiveExportPath       string
	LiveExportInterval   time.Duration
	Archive              Execer
	WebhookURL           string
	Feed                 *LiveFeed
	Logger               zerolog.Logger
}

// NewFactory returns a Factory opening every sink enabled in opts.
func NewFactory(opts Options) Factory {
	return func(ctx context.Context, info SessionInfo) (Sink, error) {
		var sinks Multi
		fail := func(err error) (Sink, error) {
			sinks.Close()
			return nil, err
		}

		if opts.Dir != "" {
			tl, err := NewTextLog(opts.Dir, opts.ClassificationHeader, info)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, tl)
		}
		if opts.LiveExportPath != "" {
			le, err := NewLiveExport(opts.LiveExportPath, opts.LiveExportInterval, info, opts.Logger)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, le)
		}
		if opts.Archive != nil {
			ar, err := NewArchive(ctx, opts.Archive, info)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, ar)
		}
		if opts.WebhookURL != "" {
			sinks = append(sinks, NewWebhook(opts.WebhookURL, info))
		}
		if opts.Feed != nil {
			sinks = append(sinks, opts.Feed.Session(info))
		}
		return sinks, nil
	}
}

// Multi fans segments out to several sinks. A failing sink does not stop
// the others.
type Multi []Sink

func (m Multi) Append(seg transcribe.Segment) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(seg); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
