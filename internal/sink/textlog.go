package sink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/petems/scribe-tray/internal/transcribe"
)

// TextLog is the append-only transcript file. The first line is the
// classification header; every further line is one segment.
type TextLog struct {
	path        string
	multiDevice bool

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewTextLog creates the transcript file for the session and writes header
// as its first line. The file name carries the start time and the head of
// the session ID, so sessions started within the same second never collide.
func NewTextLog(dir, header string, info SessionInfo) (*TextLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	path := filepath.Join(dir, textLogName(info))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	t := &TextLog{
		path:        path,
		multiDevice: len(info.Devices) > 1,
		f:           f,
		w:           bufio.NewWriter(f),
	}
	if _, err := fmt.Fprintln(t.w, header); err != nil {
		f.Close()
		return nil, err
	}
	if err := t.w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func textLogName(info SessionInfo) string {
	suffix := strings.ReplaceAll(info.ID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		// no session ID, fall back to the sub-second part of the start time
		suffix = fmt.Sprintf("%09d", info.StartedAt.Nanosecond())
	}
	return "transcript-" + info.StartedAt.Format("20060102-150405") + "-" + suffix + ".txt"
}

func (t *TextLog) Path() string {
	return t.path
}

func (t *TextLog) Append(seg transcribe.Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return errors.New("transcript is closed")
	}
	if _, err := t.w.WriteString(FormatLine(seg, t.multiDevice) + "\n"); err != nil {
		return err
	}
	// one flush per segment so a crash loses at most the line being written
	return t.w.Flush()
}

func (t *TextLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	flushErr := t.w.Flush()
	closeErr := t.f.Close()
	t.f = nil
	return errors.Join(flushErr, closeErr)
}

// FormatLine renders a segment as "[HH:MM:SS–HH:MM:SS] text", with the
// device tag in front when several devices are captured.
func FormatLine(seg transcribe.Segment, withDevice bool) string {
	line := fmt.Sprintf("[%s–%s] %s", FormatOffset(seg.StartOffset), FormatOffset(seg.EndOffset), seg.Text)
	if withDevice {
		line = "[" + seg.DeviceID + "] " + line
	}
	return line
}

// FormatOffset renders d as HH:MM:SS, truncating fractions of a second.
func FormatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
