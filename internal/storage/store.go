package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"firewatch/internal/config"
	"firewatch/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	SaveClip(ctx context.Context, clip model.Clip) error
	ListClips(ctx context.Context, limit int) ([]model.Clip, error)
	GetClip(ctx context.Context, filename string) (model.Clip, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore holds the queries shared by both drivers. Statements are written
// with ? placeholders and rewritten by rebind where the driver needs it.
// Timestamps are stored as unix milliseconds.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if b.rebind == nil {
		return query
	}
	return b.rebind(query)
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO alerts (id, ts, camera_id, category, log_type, recognized_objects, filename, status, status_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, status_code = excluded.status_code`),
		alert.ID,
		toMillis(alert.Timestamp),
		alert.Request.CameraID,
		string(alert.Category),
		int(alert.Request.LogType),
		alert.Request.RecognizedObjects,
		alert.Request.Filename,
		string(alert.Status),
		alert.StatusCode,
	)
	return err
}

func (b *baseStore) SaveClip(ctx context.Context, clip model.Clip) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO clips (filename, camera_id, codec, frame_rate, started_at, ended_at, frames, pre_frames, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (filename) DO UPDATE SET ended_at = excluded.ended_at, frames = excluded.frames, size = excluded.size`),
		clip.Filename,
		clip.CameraID,
		clip.Codec,
		clip.FrameRate,
		toMillis(clip.StartedAt),
		toMillis(clip.EndedAt),
		clip.Frames,
		clip.PreFrames,
		clip.Size,
	)
	return err
}

const clipColumns = `filename, camera_id, codec, frame_rate, started_at, ended_at, frames, pre_frames, size`

func (b *baseStore) ListClips(ctx context.Context, limit int) ([]model.Clip, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT `+clipColumns+` FROM clips ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Clip, 0)
	for rows.Next() {
		clip, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, clip)
	}
	return out, rows.Err()
}

func (b *baseStore) GetClip(ctx context.Context, filename string) (model.Clip, error) {
	if b.db == nil {
		return model.Clip{}, ErrNotFound
	}
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+clipColumns+` FROM clips WHERE filename = ?`), filename)
	clip, err := scanClip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Clip{}, ErrNotFound
	}
	return clip, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClip(s scanner) (model.Clip, error) {
	var clip model.Clip
	var started, ended int64
	err := s.Scan(
		&clip.Filename,
		&clip.CameraID,
		&clip.Codec,
		&clip.FrameRate,
		&started,
		&ended,
		&clip.Frames,
		&clip.PreFrames,
		&clip.Size,
	)
	if err != nil {
		return model.Clip{}, err
	}
	clip.StartedAt = fromMillis(started)
	clip.EndedAt = fromMillis(ended)
	return clip, nil
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// dollarPlaceholders rewrites ? placeholders as $1, $2, ...
func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
