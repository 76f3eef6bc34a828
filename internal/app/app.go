package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/audio"
	"github.com/petems/scribe-tray/internal/config"
	"github.com/petems/scribe-tray/internal/consent"
	"github.com/petems/scribe-tray/internal/sink"
	"github.com/petems/scribe-tray/internal/transcribe"
)

// ErrSessionBusy is returned while consent is pending or a session is stopping.
var ErrSessionBusy = errors.New("session is starting or stopping")

type State int

const (
	NotAsked State = iota
	AwaitingConsent
	Capturing
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotAsked:
		return "not_asked"
	case AwaitingConsent:
		return "awaiting_consent"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetAwaitingConsent()
	SetCapturing()
	SetError()
}

// DeviceLister lists capturable devices; *audio.Enumerator satisfies it.
type DeviceLister interface {
	Devices() ([]audio.Device, error)
}

// modelLoader is implemented by recognizers that can swap models between sessions.
type modelLoader interface {
	LoadModel(ctx context.Context, model string) error
}

type Config struct {
	Capture    audio.Capture
	Devices    DeviceLister
	Recognizer transcribe.Recognizer
	VAD        transcribe.VAD
	Gate       *consent.Gate
	Sinks      sink.Factory
	Settings   *config.Config
	Logger     zerolog.Logger
	// Persist saves changed settings; defaults to (*config.Config).Save.
	Persist       func(*config.Config) error
	StatusUpdater StatusUpdater // Optional - can be nil
}

type App struct {
	capture  audio.Capture
	devices  DeviceLister
	rec      transcribe.Recognizer
	vad      transcribe.VAD
	gate     *consent.Gate
	sinks    sink.Factory
	settings *config.Config
	persist  func(*config.Config) error
	log      zerolog.Logger
	status   StatusUpdater

	mu         sync.Mutex
	state      State
	info       sink.SessionInfo
	sessionCfg audio.Config
	out        sink.Sink
	worker     *transcribe.Worker
	stopWorker context.CancelFunc
	workerDone chan struct{}

	// transcript has its own lock; the worker appends while mu may be held
	// by a caller waiting on the worker.
	tmu        sync.Mutex
	transcript []transcribe.Segment
}

func New(cfg Config) *App {
	persist := cfg.Persist
	if persist == nil {
		persist = (*config.Config).Save
	}
	return &App{
		capture:  cfg.Capture,
		devices:  cfg.Devices,
		rec:      cfg.Recognizer,
		vad:      cfg.VAD,
		gate:     cfg.Gate,
		sinks:    cfg.Sinks,
		settings: cfg.Settings,
		persist:  persist,
		log:      cfg.Logger.With().Str("component", "app").Logger(),
		status:   cfg.StatusUpdater,
		state:    NotAsked,
	}
}

// SetStatusUpdater attaches the tray after construction.
func (a *App) SetStatusUpdater(s StatusUpdater) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

// StartSession asks for consent and, only once it is given, starts capturing
// ids. With no ids the configured devices are used, and failing that every
// loopback device found. Calling it again for the running device set is a
// no-op.
func (a *App) StartSession(ctx context.Context, ids []string) error {
	a.mu.Lock()
	switch a.state {
	case Capturing:
		cfg := a.sessionCfg
		a.mu.Unlock()
		return a.capture.Start(ctx, a.resolveDevices(ids), cfg)
	case AwaitingConsent, Stopping:
		a.mu.Unlock()
		return ErrSessionBusy
	}
	a.state = AwaitingConsent
	a.mu.Unlock()
	a.setStatus(StatusUpdater.SetAwaitingConsent)

	// consent is asked without holding mu; the presenter may wait on a human
	if err := a.gate.Request(ctx); err != nil {
		a.abortStart()
		if errors.Is(err, consent.ErrConsentDeclined) {
			a.setStatus(StatusUpdater.SetIdle)
		} else {
			a.setStatus(StatusUpdater.SetError)
		}
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ids = a.resolveDevices(ids)
	cfg := a.settings.SessionConfig()
	startedAt := time.Now()

	if err := a.capture.Start(ctx, ids, cfg); err != nil {
		a.failStartLocked()
		return err
	}

	info := sink.SessionInfo{ID: uuid.NewString(), StartedAt: startedAt, Devices: a.capture.Active()}
	out, err := a.sinks(ctx, info)
	if err != nil {
		if stopErr := a.capture.Stop(); stopErr != nil {
			a.log.Warn().Err(stopErr).Msg("Failed to stop capture after sink error")
		}
		a.failStartLocked()
		return fmt.Errorf("failed to open transcript outputs: %w", err)
	}

	a.tmu.Lock()
	a.transcript = nil
	a.tmu.Unlock()

	a.info = info
	a.sessionCfg = cfg
	a.out = out
	a.worker = transcribe.NewWorker(transcribe.WorkerConfig{
		Recognizer:   a.rec,
		VAD:          a.vad,
		Output:       transcribe.OutputFunc(a.appendSegment),
		Language:     cfg.Language,
		SessionStart: startedAt,
		Logger:       a.log,
	})

	workerCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	chunks := a.capture.Chunks()
	worker := a.worker
	go func() {
		defer close(done)
		worker.Run(workerCtx, chunks)
	}()
	a.stopWorker = stop
	a.workerDone = done
	a.state = Capturing

	a.log.Info().
		Str("session", info.ID).
		Strs("devices", info.Devices).
		Dur("buffer_duration", cfg.BufferDuration).
		Msg("Capture session started")
	if a.status != nil {
		a.status.SetCapturing()
	}
	return nil
}

func (a *App) resolveDevices(ids []string) []string {
	if len(ids) > 0 {
		return ids
	}
	if len(a.settings.Capture.DeviceIDs) > 0 {
		return a.settings.Capture.DeviceIDs
	}
	devices, err := a.devices.Devices()
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to list loopback devices")
		return nil
	}
	all := make([]string, 0, len(devices))
	for _, d := range devices {
		all = append(all, d.ID)
	}
	return all
}

func (a *App) abortStart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = NotAsked
}

func (a *App) failStartLocked() {
	a.gate.Reset()
	a.state = NotAsked
	if a.status != nil {
		a.status.SetError()
	}
}

func (a *App) appendSegment(seg transcribe.Segment) error {
	a.tmu.Lock()
	a.transcript = append(a.transcript, seg)
	a.tmu.Unlock()
	// a.out is set before the worker starts and cleared only after it exits
	return a.out.Append(seg)
}

// StopSession stops capture, lets the worker finish the chunk in hand,
// releases the rest and closes the outputs. It is a no-op unless capturing.
func (a *App) StopSession() error {
	a.mu.Lock()
	if a.state != Capturing {
		a.mu.Unlock()
		return nil
	}
	a.state = Stopping
	info, out, worker := a.info, a.out, a.worker
	stopWorker, done := a.stopWorker, a.workerDone
	chunks := a.capture.Chunks()
	a.mu.Unlock()

	a.log.Info().Str("session", info.ID).Msg("Stopping capture session")

	var errs []error
	if err := a.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop capture: %w", err))
	}
	stopWorker()
	<-done
	for c := range chunks {
		c.Release()
	}

	if err := out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transcript outputs: %w", err))
	}
	a.gate.Reset()

	stats := worker.Stats()
	a.log.Info().
		Str("session", info.ID).
		Uint64("processed", stats.Processed).
		Uint64("silent", stats.Silent).
		Uint64("failed", stats.Failed).
		Uint64("discarded", stats.Discarded).
		Msg("Capture session stopped")

	a.mu.Lock()
	a.state = Stopped
	a.out = nil
	a.worker = nil
	a.stopWorker = nil
	a.workerDone = nil
	a.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		a.setStatus(StatusUpdater.SetError)
	} else {
		a.setStatus(StatusUpdater.SetIdle)
	}
	return err
}

// Shutdown stops any running session, giving up when ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.StopSession() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) setStatus(fn func(StatusUpdater)) {
	a.mu.Lock()
	s := a.status
	a.mu.Unlock()
	if s != nil {
		fn(s)
	}
}

// Transcript returns the text segments of the current or last session.
func (a *App) Transcript() []transcribe.Segment {
	a.tmu.Lock()
	defer a.tmu.Unlock()
	return append([]transcribe.Segment(nil), a.transcript...)
}

// TranscriptText renders the transcript the way the text log does.
func (a *App) TranscriptText() string {
	segs := a.Transcript()
	a.mu.Lock()
	multi := len(a.info.Devices) > 1
	a.mu.Unlock()

	lines := make([]string, 0, len(segs))
	for _, seg := range segs {
		lines = append(lines, sink.FormatLine(seg, multi))
	}
	return strings.Join(lines, "\n")
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) IsCapturing() bool {
	return a.State() == Capturing
}

// Session returns the running session, if any.
func (a *App) Session() (sink.SessionInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Capturing {
		return sink.SessionInfo{}, false
	}
	info := a.info
	info.Devices = a.capture.Active()
	return info, true
}

func (a *App) Stats() []audio.DeviceStats {
	return a.capture.Stats()
}

func (a *App) ListDevices() ([]audio.Device, error) {
	return a.devices.Devices()
}

// Tray actions

func (a *App) SetDevices(ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Capturing || a.state == Stopping {
		return fmt.Errorf("cannot change devices while capturing")
	}

	a.settings.Capture.DeviceIDs = append([]string(nil), ids...)
	return a.persist(a.settings)
}

func (a *App) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Capturing || a.state == Stopping {
		return fmt.Errorf("cannot change while capturing")
	}

	if loader, ok := a.rec.(modelLoader); ok {
		if err := loader.LoadModel(ctx, model); err != nil {
			return err
		}
	}
	a.settings.Whisper.Model = model
	return a.persist(a.settings)
}
