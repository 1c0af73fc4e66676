package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const decoyColumns = `id, conversation_id, variant, content, response, summary, topics, embedding, status, created_at, resolved_at`

// InsertDecoyBatch writes a conversation's decoys in one transaction so a
// reader never observes a partial batch. New decoys are always pending.
func (s *Store) InsertDecoyBatch(ctx context.Context, decoys []Decoy) error {
	if len(decoys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning decoy batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decoys (`+decoyColumns+`)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, 'pending', ?, NULL)`)
	if err != nil {
		return fmt.Errorf("preparing decoy insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, d := range decoys {
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		topics, err := encodeTopics(d.Topics)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.ConversationID, d.Variant, d.Content, d.Response,
			topics, EncodeVector(d.Embedding), formatTime(createdAt)); err != nil {
			return fmt.Errorf("inserting decoy %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// PendingDecoys returns the conversation's decoys still awaiting a verdict.
func (s *Store) PendingDecoys(ctx context.Context, conversationID string) ([]Decoy, error) {
	return queryDecoys(ctx, s.db, `SELECT `+decoyColumns+` FROM decoys
		WHERE conversation_id = ? AND status = 'pending' ORDER BY variant ASC, id ASC`, conversationID)
}

// ListDecoys returns all decoys of a conversation regardless of status.
func (s *Store) ListDecoys(ctx context.Context, conversationID string) ([]Decoy, error) {
	return queryDecoys(ctx, s.db, `SELECT `+decoyColumns+` FROM decoys
		WHERE conversation_id = ? ORDER BY variant ASC, id ASC`, conversationID)
}

func (s *Store) GetDecoy(ctx context.Context, id string) (Decoy, error) {
	ds, err := queryDecoys(ctx, s.db, `SELECT `+decoyColumns+` FROM decoys WHERE id = ?`, id)
	if err != nil {
		return Decoy{}, err
	}
	if len(ds) == 0 {
		return Decoy{}, ErrNotFound
	}
	return ds[0], nil
}

func (s *Store) CountDecoys(ctx context.Context, conversationID string) (DecoyCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM decoys WHERE conversation_id = ? GROUP BY status`, conversationID)
	if err != nil {
		return DecoyCounts{}, err
	}
	defer rows.Close()

	var c DecoyCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return DecoyCounts{}, err
		}
		switch DecoyStatus(status) {
		case DecoyPending:
			c.Pending = n
		case DecoyPublished:
			c.Published = n
		case DecoyDiscarded:
			c.Discarded = n
		}
	}
	return c, rows.Err()
}

// UpdateDecoyStatus moves a pending decoy to a terminal status. The write is a
// compare-and-set on the pending status, so a decoy changes status at most once.
func (s *Store) UpdateDecoyStatus(ctx context.Context, id string, to DecoyStatus, at time.Time) error {
	if !DecoyPending.CanTransition(to) {
		return fmt.Errorf("%w: to %q", ErrIllegalTransition, to)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := casDecoy(ctx, tx, id, to, at)
	if err != nil {
		return err
	}
	if !ok {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM decoys WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}
	return tx.Commit()
}

// DiscardExpiredDecoys discards every pending decoy created before cutoff in
// one statement and returns how many were discarded.
func (s *Store) DiscardExpiredDecoys(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE decoys SET status = 'discarded', resolved_at = ?
		WHERE status = 'pending' AND created_at < ?`, formatTime(now), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("discarding expired decoys: %w", err)
	}
	return res.RowsAffected()
}

func casDecoy(ctx context.Context, tx *sql.Tx, id string, to DecoyStatus, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE decoys SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
		string(to), formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("updating decoy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryDecoys(ctx context.Context, q querier, query string, args ...any) ([]Decoy, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decoys: %w", err)
	}
	defer rows.Close()

	var results []Decoy
	for rows.Next() {
		var d Decoy
		var topics, status, createdAt string
		var resolvedAt sql.NullString
		var blob []byte
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Variant, &d.Content, &d.Response, &d.Summary,
			&topics, &blob, &status, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		d.Status = DecoyStatus(status)
		if d.Topics, err = decodeTopics(topics); err != nil {
			return nil, fmt.Errorf("decoding topics for decoy %s: %w", d.ID, err)
		}
		if d.Embedding, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for decoy %s: %w", d.ID, err)
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for decoy %s: %w", d.ID, err)
		}
		if d.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
			return nil, fmt.Errorf("parsing resolved_at for decoy %s: %w", d.ID, err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func encodeTopics(topics []string) (string, error) {
	if topics == nil {
		topics = []string{}
	}
	b, err := json.Marshal(topics)
	if err != nil {
		return "", fmt.Errorf("encoding topics: %w", err)
	}
	return string(b), nil
}

func decodeTopics(s string) ([]string, error) {
	var topics []string
	if s == "" {
		return topics, nil
	}
	err := json.Unmarshal([]byte(s), &topics)
	return topics, err
}
