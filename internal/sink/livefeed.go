package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/transcribe"
)

const (
	feedWriteWait  = 5 * time.Second
	feedClientSend = 64
)

// FeedMessage is one websocket text frame sent to overlay clients.
type FeedMessage struct {
	Type      string           `json:"type"` // session_started, segment, session_ended
	SessionID string           `json:"session_id"`
	Time      time.Time        `json:"time"`
	Segment   *SnapshotSegment `json:"segment,omitempty"`
}

// LiveFeed pushes transcript segments to local websocket clients such as
// the companion overlay. It outlives individual sessions.
type LiveFeed struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	server  *http.Server
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewLiveFeed(log zerolog.Logger) *LiveFeed {
	return &LiveFeed{
		log: log.With().Str("component", "live_feed").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: isLocalOrigin,
		},
		clients: make(map[*feedClient]struct{}),
	}
}

// isLocalOrigin accepts non-browser clients and pages served from this host.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (f *LiveFeed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWebSocket)
	return mux
}

// ListenAndServe binds addr and serves the feed in the background.
func (f *LiveFeed) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: f.Handler(), ReadHeaderTimeout: 5 * time.Second}

	f.mu.Lock()
	f.server = srv
	f.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error().Err(err).Msg("Live feed server stopped")
		}
	}()
	f.log.Info().Str("addr", ln.Addr().String()).Msg("Live feed listening")
	return nil
}

func (f *LiveFeed) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	srv := f.server
	f.server = nil
	for c := range f.clients {
		c.conn.Close()
	}
	f.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (f *LiveFeed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Session returns a Sink that announces info and forwards its segments.
func (f *LiveFeed) Session(info SessionInfo) Sink {
	f.broadcast(FeedMessage{Type: "session_started", SessionID: info.ID, Time: info.StartedAt})
	return &feedSession{feed: f, id: info.ID}
}

func (f *LiveFeed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedClientSend)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.log.Debug().Str("remote", r.RemoteAddr).Msg("Live feed client connected")

	go f.writeLoop(c)

	// the feed is one-way; reading only detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	f.mu.Lock()
	delete(f.clients, c)
	close(c.send)
	f.mu.Unlock()
	conn.Close()
	f.log.Debug().Str("remote", r.RemoteAddr).Msg("Live feed client disconnected")
}

func (f *LiveFeed) writeLoop(c *feedClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

func (f *LiveFeed) broadcast(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to encode feed message")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.log.Warn().Msg("Live feed client is too slow, dropping message")
		}
	}
}

type feedSession struct {
	feed *LiveFeed
	id   string
}

func (s *feedSession) Append(seg transcribe.Segment) error {
	s.feed.broadcast(FeedMessage{
		Type:      "segment",
		SessionID: s.id,
		Time:      time.Now(),
		Segment:   &SnapshotSegment{Device: seg.DeviceID, Start: seg.Start, End: seg.End, Text: seg.Text},
	})
	return nil
}

func (s *feedSession) Close() error {
	s.feed.broadcast(FeedMessage{Type: "session_ended", SessionID: s.id, Time: time.Now()})
	return nil
}
