package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"

	"github.com/petems/scribe-tray/internal/app"
	"github.com/petems/scribe-tray/internal/audio"
	"github.com/petems/scribe-tray/internal/cloudspeech"
	"github.com/petems/scribe-tray/internal/config"
	"github.com/petems/scribe-tray/internal/consent"
	"github.com/petems/scribe-tray/internal/sink"
	"github.com/petems/scribe-tray/internal/transcribe"
	"github.com/petems/scribe-tray/internal/whisper"
)

const modelLoadTimeout = 10 * time.Minute

// archive holds the optional Postgres pool; pool is nil when no DSN is set.
type archive struct {
	pool *pgxpool.Pool
}

// resources collects the cleanup of everything the container has built, so
// services that were never resolved are never created just to be closed.
type resources struct {
	mu      sync.Mutex
	closers []namedCloser
	once    sync.Once
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (r *resources) add(name string, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, namedCloser{name: name, close: fn})
}

// Close runs the cleanups once, newest first.
func (r *resources) Close(ctx context.Context, log zerolog.Logger) {
	r.once.Do(func() {
		r.mu.Lock()
		closers := slices.Clone(r.closers)
		r.mu.Unlock()
		for _, c := range slices.Backward(closers) {
			if err := c.close(ctx); err != nil {
				log.Warn().Err(err).Str("resource", c.name).Msg("Failed to release resource")
			}
		}
	})
}

func setupDI(cfg *config.Config, log zerolog.Logger, res *resources) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, log)

	do.Provide(injector, func(i do.Injector) (*audio.PortAudioBackend, error) {
		backend, err := audio.NewPortAudio()
		if err != nil {
			return nil, err
		}
		res.add("portaudio", func(context.Context) error { return backend.Close() })
		return backend, nil
	})
	do.Provide(injector, func(i do.Injector) (*audio.Enumerator, error) {
		return audio.NewEnumerator(do.MustInvoke[*audio.PortAudioBackend](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (audio.Capture, error) {
		backend := do.MustInvoke[*audio.PortAudioBackend](i)
		return audio.NewOrchestrator(backend, do.MustInvoke[zerolog.Logger](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (transcribe.Recognizer, error) {
		c := do.MustInvoke[*config.Config](i)
		l := do.MustInvoke[zerolog.Logger](i)
		switch c.Engine {
		case config.EngineCloudSpeech:
			rec := cloudspeech.New(cloudspeech.Config{
				ProjectID:       c.CloudSpeech.ProjectID,
				CredentialsJSON: c.CloudSpeech.CredentialsJSON,
				Language:        c.CloudSpeech.Language,
				Location:        c.CloudSpeech.Location,
				Model:           c.CloudSpeech.Model,
			}, l)
			res.add("cloud speech client", func(context.Context) error { return rec.Close() })
			return rec, nil
		default:
			ctx, cancel := context.WithTimeout(context.Background(), modelLoadTimeout)
			defer cancel()
			rec, err := whisper.New(ctx, c.Whisper, l)
			if err != nil {
				return nil, err
			}
			res.add("whisper model", func(context.Context) error { return rec.Close() })
			return rec, nil
		}
	})
	do.Provide(injector, func(i do.Injector) (transcribe.VAD, error) {
		c := do.MustInvoke[*config.Config](i)
		return transcribe.NewEnergyVAD(c.VAD.Threshold, time.Duration(c.VAD.MinSpeechMS)*time.Millisecond), nil
	})

	do.Provide(injector, func(i do.Injector) (*sink.LiveFeed, error) {
		c := do.MustInvoke[*config.Config](i)
		feed := sink.NewLiveFeed(do.MustInvoke[zerolog.Logger](i))
		if c.Output.LiveFeedAddr == "" {
			return feed, nil
		}
		if err := feed.ListenAndServe(c.Output.LiveFeedAddr); err != nil {
			return nil, fmt.Errorf("failed to start live feed: %w", err)
		}
		res.add("live feed", feed.Shutdown)
		return feed, nil
	})
	do.Provide(injector, func(i do.Injector) (*archive, error) {
		c := do.MustInvoke[*config.Config](i)
		if c.Output.ArchiveDSN == "" {
			return &archive{}, nil
		}
		pool, err := sink.OpenArchivePool(context.Background(), c.Output.ArchiveDSN)
		if err != nil {
			return nil, err
		}
		res.add("archive pool", func(context.Context) error {
			pool.Close()
			return nil
		})
		return &archive{pool: pool}, nil
	})
	do.Provide(injector, func(i do.Injector) (sink.Factory, error) {
		c := do.MustInvoke[*config.Config](i)
		opts := sink.Options{
			Dir:                  c.Output.Dir,
			ClassificationHeader: c.Output.ClassificationHeader,
			LiveExportPath:       c.Output.LiveExportPath,
			LiveExportInterval:   time.Duration(c.Output.LiveExportIntervalMS) * time.Millisecond,
			WebhookURL:           c.Output.WebhookURL,
			Logger:               do.MustInvoke[zerolog.Logger](i),
		}
		if ar := do.MustInvoke[*archive](i); ar.pool != nil {
			opts.Archive = ar.pool
		}
		if c.Output.LiveFeedAddr != "" {
			opts.Feed = do.MustInvoke[*sink.LiveFeed](i)
		}
		return sink.NewFactory(opts), nil
	})

	do.Provide(injector, func(i do.Injector) (*consent.Gate, error) {
		presenter := do.MustInvoke[consent.Presenter](i)
		disclosure := disclosureFor(do.MustInvoke[*config.Config](i).Engine)
		return consent.NewGate(presenter, disclosure, do.MustInvoke[zerolog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*app.App, error) {
		return app.New(app.Config{
			Capture:    do.MustInvoke[audio.Capture](i),
			Devices:    do.MustInvoke[*audio.Enumerator](i),
			Recognizer: do.MustInvoke[transcribe.Recognizer](i),
			VAD:        do.MustInvoke[transcribe.VAD](i),
			Gate:       do.MustInvoke[*consent.Gate](i),
			Sinks:      do.MustInvoke[sink.Factory](i),
			Settings:   do.MustInvoke[*config.Config](i),
			Logger:     do.MustInvoke[zerolog.Logger](i),
		}), nil
	})

	return injector
}

// disclosureFor names the service audio is sent to when the engine is remote.
func disclosureFor(engine string) consent.Disclosure {
	if engine == config.EngineCloudSpeech {
		return consent.DisclosureFor("Google Cloud Speech-to-Text")
	}
	return consent.DefaultDisclosure()
}
