package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrConsentDeclined is returned when the user refuses capture.
var ErrConsentDeclined = errors.New("consent declined")

// ErrConsentPending is returned while a disclosure is already on screen.
var ErrConsentPending = errors.New("consent prompt already pending")

type State int

const (
	NotAsked State = iota
	Presented
	Accepted
	// Declined is only reported through ErrConsentDeclined; the gate itself
	// goes straight back to NotAsked.
	Declined
)

func (s State) String() string {
	switch s {
	case NotAsked:
		return "not_asked"
	case Presented:
		return "presented"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Disclosure is the fixed text shown before any audio is captured.
type Disclosure struct {
	Title string
	Body  string
}

// DefaultDisclosure is the disclosure for local transcription.
func DefaultDisclosure() Disclosure {
	return DisclosureFor("")
}

// DisclosureFor returns the disclosure for transcription by remoteService,
// or on this computer when remoteService is empty.
func DisclosureFor(remoteService string) Disclosure {
	if remoteService == "" {
		return Disclosure{
			Title: "Record system audio?",
			Body: "Scribe will capture the audio playing on the selected output devices " +
				"and transcribe it on this computer. Audio is kept in memory only for the " +
				"few seconds needed to transcribe it and is never written to disk. " +
				"Only the text transcript is saved. Make sure everyone being recorded has agreed.",
		}
	}
	return Disclosure{
		Title: "Record system audio and send it to " + remoteService + "?",
		Body: "Scribe will capture the audio playing on the selected output devices " +
			"and send it to " + remoteService + " for transcription. Audio leaves this " +
			"computer in chunks of a few seconds and is processed under that service's " +
			"terms. It is never written to disk here and only the text transcript is saved. " +
			"Make sure everyone being recorded has agreed.",
	}
}

// Presenter shows a disclosure and reports whether the user accepted it.
type Presenter interface {
	Present(ctx context.Context, d Disclosure) (bool, error)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, d Disclosure) (bool, error)

func (f PresenterFunc) Present(ctx context.Context, d Disclosure) (bool, error) {
	return f(ctx, d)
}

// Gate tracks consent for one session at a time. An acceptance never
// survives Reset.
type Gate struct {
	presenter  Presenter
	disclosure Disclosure
	log        zerolog.Logger

	mu    sync.Mutex
	state State
}

func NewGate(presenter Presenter, disclosure Disclosure, log zerolog.Logger) *Gate {
	return &Gate{
		presenter:  presenter,
		disclosure: disclosure,
		log:        log.With().Str("component", "consent").Logger(),
		state:      NotAsked,
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Accepted() bool {
	return g.State() == Accepted
}

// Request presents the disclosure unless consent was already given for the
// current session. A decline returns ErrConsentDeclined and leaves the gate
// in NotAsked.
func (g *Gate) Request(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case Accepted:
		g.mu.Unlock()
		return nil
	case Presented:
		g.mu.Unlock()
		return ErrConsentPending
	}
	g.state = Presented
	g.mu.Unlock()

	accepted, err := g.presenter.Present(ctx, g.disclosure)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.state = NotAsked
		return fmt.Errorf("consent prompt failed: %w", err)
	}
	if !accepted {
		g.log.Info().Msg("Capture consent declined")
		g.state = NotAsked
		return ErrConsentDeclined
	}
	g.state = Accepted
	g.log.Info().Msg("Capture consent accepted")
	return nil
}

// Reset forgets any acceptance; the next session must ask again.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = NotAsked
}
