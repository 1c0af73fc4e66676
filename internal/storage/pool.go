package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const globalDecoyColumns = `id, content, response, summary, topics, embedding, created_at`

// InsertGlobalDecoy adds an entry to the public pool outside of feedback
// resolution, e.g. when importing an anonymized corpus.
func (s *Store) InsertGlobalDecoy(ctx context.Context, g GlobalDecoy) error {
	return insertGlobalDecoy(ctx, s.db, g)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGlobalDecoy(ctx context.Context, ex execer, g GlobalDecoy) error {
	if g.Summary == "" {
		return fmt.Errorf("global decoy %s: empty summary", g.ID)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	topics, err := encodeTopics(g.Topics)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO global_decoys (`+globalDecoyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Content, g.Response, g.Summary, topics, EncodeVector(g.Embedding), formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting global decoy %s: %w", g.ID, err)
	}
	return nil
}

func (s *Store) GetGlobalDecoy(ctx context.Context, id string) (GlobalDecoy, error) {
	gs, err := s.queryGlobalDecoys(ctx, `SELECT `+globalDecoyColumns+` FROM global_decoys WHERE id = ?`, id)
	if err != nil {
		return GlobalDecoy{}, err
	}
	if len(gs) == 0 {
		return GlobalDecoy{}, ErrNotFound
	}
	return gs[0], nil
}

// ListGlobalDecoys returns pool entries, newest first.
func (s *Store) ListGlobalDecoys(ctx context.Context, limit, offset int) ([]GlobalDecoy, error) {
	return s.queryGlobalDecoys(ctx, `SELECT `+globalDecoyColumns+` FROM global_decoys
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
}

// GetGlobalDecoysByIDs returns the pool entries with the given IDs in no particular order.
func (s *Store) GetGlobalDecoysByIDs(ctx context.Context, ids []string) ([]GlobalDecoy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryGlobalDecoys(ctx, `SELECT `+globalDecoyColumns+` FROM global_decoys
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
}

func (s *Store) CountGlobalDecoys(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM global_decoys`).Scan(&n)
	return n, err
}

func (s *Store) queryGlobalDecoys(ctx context.Context, query string, args ...any) ([]GlobalDecoy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying global decoys: %w", err)
	}
	defer rows.Close()

	var results []GlobalDecoy
	for rows.Next() {
		var g GlobalDecoy
		var topics, createdAt string
		var blob []byte
		if err := rows.Scan(&g.ID, &g.Content, &g.Response, &g.Summary, &topics, &blob, &createdAt); err != nil {
			return nil, err
		}
		if g.Topics, err = decodeTopics(topics); err != nil {
			return nil, fmt.Errorf("decoding topics for %s: %w", g.ID, err)
		}
		if g.Embedding, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", g.ID, err)
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", g.ID, err)
		}
		results = append(results, g)
	}
	return results, rows.Err()
}
