package whisper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// modelBaseURL hosts the ggml conversions of the Whisper models.
var modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// modelFiles maps model names to their file on the model host.
var modelFiles = map[string]string{
	"tiny":           "ggml-tiny.bin",
	"tiny.en":        "ggml-tiny.en.bin",
	"base":           "ggml-base.bin",
	"base.en":        "ggml-base.en.bin",
	"small":          "ggml-small.bin",
	"small.en":       "ggml-small.en.bin",
	"medium":         "ggml-medium.bin",
	"medium.en":      "ggml-medium.en.bin",
	"large-v3":       "ggml-large-v3.bin",
	"large-v3-turbo": "ggml-large-v3-turbo.bin",
}

// ModelNames lists the models that can be downloaded on demand.
func ModelNames() []string {
	names := make([]string, 0, len(modelFiles))
	for name := range modelFiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// progressWriter logs download progress at most every two seconds.
type progressWriter struct {
	total      int64
	downloaded int64
	lastLog    time.Time
	model      string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	pw.downloaded += int64(n)

	now := time.Now()
	if now.Sub(pw.lastLog) >= 2*time.Second || pw.downloaded >= pw.total {
		pw.lastLog = now
		log.Info().
			Str("model", pw.model).
			Float64("percent", float64(pw.downloaded)/float64(pw.total)*100).
			Float64("downloaded_mb", float64(pw.downloaded)/1024/1024).
			Float64("total_mb", float64(pw.total)/1024/1024).
			Msg("Downloading model")
	}

	return n, nil
}

// downloadModel fetches a model into destPath through a temp file, so a
// cancelled download never leaves a truncated model behind.
func downloadModel(ctx context.Context, model string, destPath string) error {
	file, ok := modelFiles[model]
	if !ok {
		return fmt.Errorf("unknown model: %s", model)
	}
	url := modelBaseURL + "/" + file

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	tmpPath := destPath + ".tmp"
	defer os.Remove(tmpPath)

	log.Info().Str("model", model).Str("url", url).Msg("Starting model download")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model: HTTP %d", resp.StatusCode)
	}

	totalSize := resp.ContentLength
	if totalSize <= 0 {
		log.Warn().Str("model", model).Msg("Content-Length not provided, progress tracking unavailable")
	}

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	var writer io.Writer = out
	if totalSize > 0 {
		writer = io.MultiWriter(out, &progressWriter{
			total:   totalSize,
			model:   model,
			lastLog: time.Now(),
		})
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("failed to write model file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to move model file: %w", err)
	}

	log.Info().
		Str("model", model).
		Str("path", destPath).
		Float64("size_mb", float64(totalSize)/1024/1024).
		Msg("Model downloaded successfully")

	return nil
}

// TODO: verify the SHA256 published alongside each model file
