package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/transcribe"
)

// Snapshot is the document LiveExport writes for companion processes.
type Snapshot struct {
	SessionID string            `json:"session_id"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Segments  []SnapshotSegment `json:"segments"`
}

type SnapshotSegment struct {
	Device string    `json:"device"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Text   string    `json:"text"`
}

// LiveExport periodically replaces a JSON file with the transcript so far.
// Each write goes to a temp file in the same directory and is renamed over
// the target, so readers never observe a partial document.
type LiveExport struct {
	path string
	info SessionInfo
	log  zerolog.Logger

	mu       sync.Mutex
	segments []SnapshotSegment
	dirty    bool
	closed   bool

	stop chan struct{}
	done chan struct{}
}

func NewLiveExport(path string, interval time.Duration, info SessionInfo, log zerolog.Logger) (*LiveExport, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	e := &LiveExport{
		path:     path,
		info:     info,
		log:      log.With().Str("component", "live_export").Logger(),
		segments: []SnapshotSegment{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := e.write(e.snapshot()); err != nil {
		return nil, err
	}
	go e.loop(interval)
	return e, nil
}

func (e *LiveExport) Append(seg transcribe.Segment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = append(e.segments, SnapshotSegment{
		Device: seg.DeviceID,
		Start:  seg.Start,
		End:    seg.End,
		Text:   seg.Text,
	})
	e.dirty = true
	return nil
}

// Close stops the periodic writer and writes the final snapshot.
func (e *LiveExport) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	<-e.done
	return e.write(e.snapshot())
}

func (e *LiveExport) loop(interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			dirty := e.dirty
			e.mu.Unlock()
			if !dirty {
				continue
			}
			if err := e.write(e.snapshot()); err != nil {
				e.log.Warn().Err(err).Msg("Failed to write live transcript")
			}
		}
	}
}

func (e *LiveExport) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = false
	return Snapshot{
		SessionID: e.info.ID,
		StartedAt: e.info.StartedAt,
		UpdatedAt: time.Now(),
		Segments:  append([]SnapshotSegment(nil), e.segments...),
	}
}

func (e *LiveExport) write(s Snapshot) error {
	if s.Segments == nil {
		s.Segments = []SnapshotSegment{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".live-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp export: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return fmt.Errorf("failed to replace export: %w", err)
	}
	return nil
}
