package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/firewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, rebind: dollarPlaceholders}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return execAll(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts BIGINT NOT NULL,
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
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			frames INTEGER NOT NULL,
			pre_frames INTEGER NOT NULL,
			size BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clips_started ON clips(started_at)`,
	})
}
