package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/brice/clapcore/internal/model"
)

// SQLite is the relational storage backend. It refuses raw video bytes
// (§4.7): SaveVideo only ever persists a path/URL reference column.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite database at path and
// ensures the events table exists. modernc.org/sqlite is pure Go (no cgo),
// so database/sql's connection pool applies without any build constraints.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: open: %w", err)
	}
	db.SetMaxOpenConns(4)

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	created_at TEXT NOT NULL,
	device_id TEXT NOT NULL,
	device_name TEXT,
	has_video INTEGER NOT NULL DEFAULT 0,
	video_path TEXT,
	payload TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite storage: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveEvent(ctx context.Context, ev model.Event) (SaveResult, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Failed, fmt.Errorf("sqlite storage: marshal: %w", err)
	}

	var existed bool
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, ev.ID)
	if row.Scan(new(int)) == nil {
		existed = true
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (id, kind, created_at, device_id, device_name, has_video, video_path, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	has_video = excluded.has_video,
	video_path = excluded.video_path,
	payload = excluded.payload
`, ev.ID, string(ev.Kind), ev.CreatedAt, ev.DeviceID, ev.DeviceName, boolToInt(ev.HasVideo), nullableString(ev.VideoPath), string(payload))
	if err != nil {
		return Failed, fmt.Errorf("sqlite storage: upsert: %w", err)
	}

	if existed {
		return AlreadyExists, nil
	}
	return Saved, nil
}

func (s *SQLite) RetrieveEvent(ctx context.Context, id string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM events WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("sqlite storage: scan: %w", err)
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.Event{}, fmt.Errorf("sqlite storage: unmarshal: %w", err)
	}
	return ev, nil
}

// SaveVideo refuses raw bytes; the relational backend only ever stores a
// path/URL reference, per §4.7.
func (s *SQLite) SaveVideo(ctx context.Context, eventID string, video VideoData, metadata map[string]string) (string, error) {
	if video.PathOrURL == "" {
		return "", fmt.Errorf("sqlite storage: relational backend refuses raw video bytes")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET has_video = 1, video_path = ? WHERE id = ?`, video.PathOrURL, eventID)
	if err != nil {
		return "", fmt.Errorf("sqlite storage: update video: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return "", ErrNotFound
	}
	return video.PathOrURL, nil
}

func (s *SQLite) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT video_path FROM events WHERE id = ?`, eventID)
	var path sql.NullString
	if err := row.Scan(&path); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	if !path.Valid || path.String == "" {
		return "", ErrNotFound
	}
	return path.String, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
