package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"frenchmentor/internal/session"
)

// ErrNotFound is returned when a learner has no stored snapshot.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore keeps one JSON snapshot per learner.
type SnapshotStore struct {
	db     *sql.DB
	driver string
}

func NewSnapshotStore(db *sql.DB, driver string) *SnapshotStore {
	return &SnapshotStore{db: db, driver: strings.ToLower(driver)}
}

func (s *SnapshotStore) Load(ctx context.Context, userID int64) (session.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Save upserts the learner's snapshot. The whole state is overwritten.
func (s *SnapshotStore) Save(ctx context.Context, userID int64, snap session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	query := `INSERT INTO snapshots (user_id, revision, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET revision = excluded.revision, payload = excluded.payload, updated_at = excluded.updated_at`
	if s.driver == "mysql" {
		query = `INSERT INTO snapshots (user_id, revision, payload, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE revision = VALUES(revision), payload = VALUES(payload), updated_at = VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, snap.Revision, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
