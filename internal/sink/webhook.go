package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petems/scribe-tray/internal/transcribe"
)

const webhookTimeout = 15 * time.Second

// WebhookPayload is posted once when a session ends.
type WebhookPayload struct {
	SessionID    string            `json:"session_id"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Devices      []string          `json:"devices"`
	SegmentCount int               `json:"segment_count"`
	Transcript   string            `json:"transcript"`
	Segments     []SnapshotSegment `json:"segments"`
}

// Webhook posts the finished transcript as JSON when the session closes.
type Webhook struct {
	url    string
	info   SessionInfo
	client *http.Client

	mu    sync.Mutex
	lines []string
	segs  []SnapshotSegment
}

func NewWebhook(url string, info SessionInfo) *Webhook {
	return &Webhook{
		url:    url,
		info:   info,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (w *Webhook) Append(seg transcribe.Segment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, FormatLine(seg, len(w.info.Devices) > 1))
	w.segs = append(w.segs, SnapshotSegment{Device: seg.DeviceID, Start: seg.Start, End: seg.End, Text: seg.Text})
	return nil
}

func (w *Webhook) Close() error {
	if w.url == "" {
		return nil
	}

	w.mu.Lock()
	payload := WebhookPayload{
		SessionID:    w.info.ID,
		StartedAt:    w.info.StartedAt,
		EndedAt:      time.Now(),
		Devices:      w.info.Devices,
		SegmentCount: len(w.segs),
		Transcript:   strings.Join(w.lines, "\n"),
		Segments:     w.segs,
	}
	w.mu.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
