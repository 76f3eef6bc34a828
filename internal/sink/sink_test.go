package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/transcribe"
)

var sessionStart = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func testInfo(devices ...string) SessionInfo {
	return SessionInfo{ID: "5f1c1a8e-1f0b-4f43-9d55-3f7f0f8d2c11", StartedAt: sessionStart, Devices: devices}
}

func segment(device string, startSec, endSec int, text string) transcribe.Segment {
	return transcribe.Segment{
		DeviceID:    device,
		Start:       sessionStart.Add(time.Duration(startSec) * time.Second),
		End:         sessionStart.Add(time.Duration(endSec) * time.Second),
		StartOffset: time.Duration(startSec) * time.Second,
		EndOffset:   time.Duration(endSec) * time.Second,
		Text:        text,
	}
}

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59*time.Second + 900*time.Millisecond, "00:00:59"},
		{61 * time.Second, "00:01:01"},
		{3*time.Hour + 25*time.Minute + 7*time.Second, "03:25:07"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		if got := FormatOffset(tt.in); got != tt.want {
			t.Errorf("FormatOffset(%v): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestTextLog(t *testing.T) {
	dir := t.TempDir()
	tl, err := NewTextLog(dir, "UNCLASSIFIED//FOR TRAINING", testInfo("speakers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tl.Append(segment("speakers", 0, 4, "good morning"))
	tl.Append(segment("speakers", 65, 70, "next item"))
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(tl.Path())
	if err != nil {
		t.Fatal(err)
	}
	want := "UNCLASSIFIED//FOR TRAINING\n" +
		"[00:00:00–00:00:04] good morning\n" +
		"[00:01:05–00:01:10] next item\n"
	if string(data) != want {
		t.Errorf("unexpected transcript:\n%s\nwant:\n%s", data, want)
	}
	if filepath.Base(tl.Path()) != "transcript-20260301-093000-5f1c1a8e.txt" {
		t.Errorf("unexpected file name %s", filepath.Base(tl.Path()))
	}
	if err := tl.Append(segment("speakers", 80, 81, "late")); err == nil {
		t.Error("expected append after close to fail")
	}
}

func TestTextLogSessionsInSameSecond(t *testing.T) {
	dir := t.TempDir()
	first := testInfo("speakers")
	second := first
	second.ID = "9b2e4c71-0d3a-4e55-8a10-6f4c2b7e9d03"
	second.StartedAt = first.StartedAt.Add(300 * time.Millisecond)

	a, err := NewTextLog(dir, "HEADER", first)
	if err != nil {
		t.Fatalf("first log: %v", err)
	}
	defer a.Close()
	b, err := NewTextLog(dir, "HEADER", second)
	if err != nil {
		t.Fatalf("expected a second session in the same second to get its own file, got %v", err)
	}
	defer b.Close()
	if a.Path() == b.Path() {
		t.Errorf("expected distinct paths, both are %s", a.Path())
	}

	third := first
	third.ID = ""
	third.StartedAt = first.StartedAt.Add(600 * time.Millisecond)
	c, err := NewTextLog(dir, "HEADER", third)
	if err != nil {
		t.Fatalf("expected a log without session ID to open, got %v", err)
	}
	defer c.Close()
	if got := filepath.Base(c.Path()); got != "transcript-20260301-093000-600000000.txt" {
		t.Errorf("unexpected file name %s", got)
	}
}

func TestTextLogTagsDevicesWhenSeveral(t *testing.T) {
	tl, err := NewTextLog(t.TempDir(), "HEADER", testInfo("speakers", "headset"))
	if err != nil {
		t.Fatal(err)
	}
	tl.Append(segment("headset", 1, 2, "hi"))
	tl.Close()

	data, _ := os.ReadFile(tl.Path())
	if !strings.Contains(string(data), "[headset] [00:00:01–00:00:02] hi") {
		t.Errorf("expected device tag, got %s", data)
	}
}

func TestLiveExportWritesAtomicSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live", "live_transcript.json")
	le, err := NewLiveExport(path, 10*time.Millisecond, testInfo("speakers"), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var snap Snapshot
	readSnapshot(t, path, &snap)
	if snap.SessionID != testInfo().ID || len(snap.Segments) != 0 {
		t.Errorf("unexpected initial snapshot %+v", snap)
	}

	le.Append(segment("speakers", 0, 3, "hello there"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		readSnapshot(t, path, &snap)
		if len(snap.Segments) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(snap.Segments) != 1 || snap.Segments[0].Text != "hello there" || snap.Segments[0].Device != "speakers" {
		t.Fatalf("expected periodic snapshot with the segment, got %+v", snap)
	}

	le.Append(segment("speakers", 3, 5, "general kenobi"))
	if err := le.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	readSnapshot(t, path, &snap)
	if len(snap.Segments) != 2 {
		t.Errorf("expected final snapshot with 2 segments, got %d", len(snap.Segments))
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the export file, found %d entries", len(entries))
	}
}

func readSnapshot(t *testing.T, path string, snap *Snapshot) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	*snap = Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.err
}

func TestArchive(t *testing.T) {
	db := &fakeDB{}
	ar, err := NewArchive(context.Background(), db, testInfo("speakers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ar.Append(segment("speakers", 0, 2, "one"))
	ar.Append(segment("speakers", 2, 4, "two"))
	if err := ar.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(db.calls) != 4 {
		t.Fatalf("expected 4 statements, got %d", len(db.calls))
	}
	if !strings.Contains(db.calls[0].sql, "INSERT INTO capture_sessions") {
		t.Errorf("expected session insert first, got %s", db.calls[0].sql)
	}
	if db.calls[2].args[1] != 1 || db.calls[2].args[5] != "two" {
		t.Errorf("unexpected segment args %v", db.calls[2].args)
	}
	if !strings.Contains(db.calls[3].sql, "UPDATE capture_sessions") {
		t.Errorf("expected session update last, got %s", db.calls[3].sql)
	}
}

func TestArchiveSessionInsertFailure(t *testing.T) {
	if _, err := NewArchive(context.Background(), &fakeDB{err: errors.New("connection refused")}, testInfo()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunMigration(t *testing.T) {
	db := &fakeDB{}
	if err := RunMigration(context.Background(), db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.calls) != len(migrationStatements) {
		t.Errorf("expected %d statements, got %d", len(migrationStatements), len(db.calls))
	}
}

func TestWebhookPostsTranscriptOnClose(t *testing.T) {
	var got WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	wh := NewWebhook(server.URL, testInfo("speakers"))
	wh.Append(segment("speakers", 0, 2, "first"))
	wh.Append(segment("speakers", 2, 5, "second"))
	if err := wh.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got.SessionID != testInfo().ID || got.SegmentCount != 2 {
		t.Errorf("unexpected payload %+v", got)
	}
	if got.Transcript != "[00:00:00–00:00:02] first\n[00:00:02–00:00:05] second" {
		t.Errorf("unexpected transcript %q", got.Transcript)
	}
}

func TestWebhookNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	if err := NewWebhook(server.URL, testInfo()).Close(); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestLiveFeedBroadcastsSegments(t *testing.T) {
	feed := NewLiveFeed(zerolog.Nop())
	server := httptest.NewServer(feed.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for feed.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s := feed.Session(testInfo("speakers"))
	s.Append(segment("speakers", 0, 2, "live text"))
	s.Close()

	wantTypes := []string{"session_started", "segment", "session_ended"}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, want := range wantTypes {
		var msg FeedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if msg.Type != want {
			t.Errorf("message %d: expected %s, got %s", i, want, msg.Type)
		}
		if want == "segment" && (msg.Segment == nil || msg.Segment.Text != "live text") {
			t.Errorf("unexpected segment payload %+v", msg.Segment)
		}
	}
}

func TestLiveFeedRejectsForeignOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1", true},
		{"https://example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := isLocalOrigin(r); got != tt.want {
			t.Errorf("origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}
}

type recordingSink struct {
	appended []string
	closed   bool
	err      error
}

func (r *recordingSink) Append(seg transcribe.Segment) error {
	r.appended = append(r.appended, seg.Text)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func TestMultiContinuesPastFailingSink(t *testing.T) {
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	m := Multi{bad, good}

	if err := m.Append(segment("a", 0, 1, "x")); err == nil {
		t.Error("expected joined error")
	}
	if len(good.appended) != 1 {
		t.Error("expected the healthy sink to receive the segment")
	}
	m.Close()
	if !bad.closed || !good.closed {
		t.Error("expected every sink to be closed")
	}
}

func TestFactoryOpensEnabledSinks(t *testing.T) {
	dir := t.TempDir()
	factory := NewFactory(Options{
		Dir:                  filepath.Join(dir, "transcripts"),
		ClassificationHeader: "HEADER",
		LiveExportPath:       filepath.Join(dir, "live.json"),
		Archive:              &fakeDB{},
		Logger:               zerolog.Nop(),
	})

	s, err := factory(context.Background(), testInfo("speakers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	m, ok := s.(Multi)
	if !ok || len(m) != 3 {
		t.Fatalf("expected 3 sinks, got %#v", s)
	}
}
