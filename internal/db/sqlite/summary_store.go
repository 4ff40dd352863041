// Package sqlite 单机部署的 SQLite 摘要存储（modernc.org/sqlite，无 cgo）。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
)

const busyTimeoutMillis = 5000

const schema = `
CREATE TABLE IF NOT EXISTS conversation_summaries (
	conversation_id TEXT PRIMARY KEY,
	summary         TEXT NOT NULL DEFAULT '',
	turns_covered   INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
);
`

// SummaryStore SQLite 摘要存储
type SummaryStore struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库文件并完成建表。
// path 为 ":memory:" 时使用内存库。
func Open(ctx context.Context, path string) (*SummaryStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// 单连接：写入串行，内存库也只有一份
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	applog.Info("[Summary/SQLite] ✅ Store ready", "path", path)
	return &SummaryStore{db: db}, nil
}

func (s *SummaryStore) Close() error { return s.db.Close() }

func (s *SummaryStore) Load(ctx context.Context, conversationID string) (*conversation.Summary, error) {
	summary := conversation.Summary{ConversationID: conversationID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, turns_covered, updated_at FROM conversation_summaries WHERE conversation_id = ?`,
		conversationID,
	).Scan(&summary.Content, &summary.TurnsCovered, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load summary: %w", err)
	}
	summary.UpdatedAt = time.UnixMilli(updatedAt)
	return &summary, nil
}

func (s *SummaryStore) Save(ctx context.Context, summary *conversation.Summary) error {
	if summary == nil || summary.ConversationID == "" {
		return conversation.ErrConversationIDRequired
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_summaries (conversation_id, summary, turns_covered, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET summary = excluded.summary,
		     turns_covered = excluded.turns_covered,
		     updated_at = excluded.updated_at`,
		summary.ConversationID, summary.Content, summary.TurnsCovered, summary.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite save summary: %w", err)
	}
	return nil
}

func (s *SummaryStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_summaries WHERE conversation_id = ?`, conversationID,
	); err != nil {
		return fmt.Errorf("sqlite delete summary: %w", err)
	}
	return nil
}
