package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:firewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return execAll(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			camera_id TEXT NOT NULL,
			category TEXT NOT NULL,
			log_type INTEGER NOT NULL,
			recognized_objects TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS clips (
			filename TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			codec TEXT NOT NULL,
			frame_rate INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			pre_frames INTEGER NOT NULL,
			size INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clips_started ON clips(started_at)`,
	})
}
