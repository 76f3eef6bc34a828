package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petems/scribe-tray/internal/transcribe"
)

const (
	archiveInitTimeout  = 15 * time.Second
	archiveWriteTimeout = 5 * time.Second
)

// Execer is the part of *pgxpool.Pool the archive uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS capture_sessions (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		devices TEXT[] NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		session_id UUID NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
		segment_index INTEGER NOT NULL,
		device TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, segment_index)
	)`,
}

// RunMigration creates the archive tables if they do not exist.
func RunMigration(ctx context.Context, db Execer) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// OpenArchivePool connects to Postgres and applies the migration.
func OpenArchivePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveInitTimeout)
	defer cancel()

	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return p, nil
}

// Archive stores transcript text in Postgres, one row per segment.
type Archive struct {
	db        Execer
	sessionID string

	mu    sync.Mutex
	index int
}

func NewArchive(ctx context.Context, db Execer, info SessionInfo) (*Archive, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveWriteTimeout)
	defer cancel()

	devices := info.Devices
	if devices == nil {
		devices = []string{}
	}
	_, err := db.Exec(ctx,
		`INSERT INTO capture_sessions (id, started_at, devices) VALUES ($1, $2, $3)`,
		info.ID, info.StartedAt, devices)
	if err != nil {
		return nil, fmt.Errorf("failed to archive session: %w", err)
	}
	return &Archive{db: db, sessionID: info.ID}, nil
}

func (a *Archive) Append(seg transcribe.Segment) error {
	a.mu.Lock()
	idx := a.index
	a.index++
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	_, err := a.db.Exec(ctx,
		`INSERT INTO transcript_segments (session_id, segment_index, device, started_at, ended_at, content)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.sessionID, idx, seg.DeviceID, seg.Start, seg.End, seg.Text)
	return err
}

func (a *Archive) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	_, err := a.db.Exec(ctx,
		`UPDATE capture_sessions SET ended_at = $2 WHERE id = $1`,
		a.sessionID, time.Now())
	return err
}
