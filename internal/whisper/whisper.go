package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/config"
	"github.com/petems/scribe-tray/internal/transcribe"
)

// Recognizer runs whisper.cpp locally. The model is loaded once; a fresh
// context is created per chunk so no decoder state carries over.
type Recognizer struct {
	threads int
	log     zerolog.Logger

	mu        sync.Mutex
	model     whisper.Model
	modelPath string
}

// New loads the configured model, downloading it first if it is missing.
func New(ctx context.Context, cfg config.WhisperConfig, log zerolog.Logger) (*Recognizer, error) {
	modelPath := filepath.Join(config.ModelsPath(), cfg.Model+".bin")

	// Check if model exists, download if needed
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		if err := downloadModel(ctx, cfg.Model, modelPath); err != nil {
			return nil, fmt.Errorf("failed to download model: %w", err)
		}
	}

	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	log.Info().Str("model", cfg.Model).Str("path", modelPath).Msg("Whisper model loaded")
	return &Recognizer{
		threads:   cfg.Threads,
		log:       log.With().Str("component", "whisper").Logger(),
		model:     model,
		modelPath: modelPath,
	}, nil
}

// Transcribe decodes one chunk. NewContext starts from whisper.cpp's greedy
// sampling parameters; beam search is never enabled.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, opts transcribe.Options) ([]transcribe.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.model == nil {
		return nil, errors.New("whisper model is closed")
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	if r.threads > 0 {
		wctx.SetThreads(uint(r.threads))
	}
	if opts.Language != "auto" && opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return nil, fmt.Errorf("failed to set language %q: %w", opts.Language, err)
		}
	}
	wctx.SetTranslate(false)

	if err := wctx.Process(samples, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process failed: %w", err)
	}

	var results []transcribe.Result
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read segment: %w", err)
		}
		results = append(results, transcribe.Result{
			Start: segment.Start,
			End:   segment.End,
			Text:  segment.Text,
		})
	}
	return results, nil
}

// LoadModel swaps the model between sessions.
func (r *Recognizer) LoadModel(ctx context.Context, model string) error {
	modelPath := filepath.Join(config.ModelsPath(), model+".bin")
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		if err := downloadModel(ctx, model, modelPath); err != nil {
			return fmt.Errorf("failed to download model: %w", err)
		}
	}

	newModel, err := whisper.New(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.Close()
	}
	r.model = newModel
	r.modelPath = modelPath
	r.log.Info().Str("model", model).Msg("Whisper model switched")
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.model != nil {
		r.model.Close()
		r.model = nil
	}
	return nil
}
