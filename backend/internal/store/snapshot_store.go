package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"codeCollab/backend/internal/collab"
)

const createSnapshotsTable = `CREATE TABLE IF NOT EXISTS collab_snapshots (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	session_key VARCHAR(160) NOT NULL,
	epoch VARCHAR(64) NOT NULL,
	op_count BIGINT UNSIGNED NOT NULL,
	version JSON NOT NULL,
	content LONGTEXT NOT NULL,
	created_at DATETIME(3) NOT NULL,
	UNIQUE KEY uk_session_epoch_ops (session_key, epoch, op_count)
)`

// SnapshotHistory 一条历史快照（只有文本和版本，用于查看/回滚文件内容）
type SnapshotHistory struct {
	SessionKey string            `json:"sessionKey"`
	Epoch      string            `json:"epoch"`
	OpCount    uint64            `json:"opCount"`
	Version    map[string]uint64 `json:"version"`
	Content    string            `json:"content"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshotsTable)
	return err
}

// SaveSnapshot 同一个 (session, epoch, 操作数) 只存一次，重复写入视为成功
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, sessionKey string, snap collab.Snapshot) error {
	version, err := json.Marshal(snap.Version)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collab_snapshots (session_key, epoch, op_count, version, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionKey,
		snap.Epoch,
		snap.Version.Total(),
		version,
		snap.Text,
		time.Now().UTC(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// Latest 没有记录时返回 nil, nil
func (s *SnapshotStore) Latest(ctx context.Context, sessionKey string) (*SnapshotHistory, error) {
	var (
		h       SnapshotHistory
		version []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_key, epoch, op_count, version, content, created_at
		FROM collab_snapshots WHERE session_key = ? ORDER BY id DESC LIMIT 1`,
		sessionKey,
	).Scan(&h.SessionKey, &h.Epoch, &h.OpCount, &version, &h.Content, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(version, &h.Version); err != nil {
		return nil, err
	}
	return &h, nil
}
