package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const conversationColumns = `id, owner_id, session_id, original_query, ai_response, route, embedding, created_at`

// SaveConversation writes a chat turn to the private store.
func (s *Store) SaveConversation(ctx context.Context, c Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.SessionID, c.OriginalQuery, c.AIResponse, string(c.Route),
		EncodeVector(c.Embedding), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns an owner's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// GetConversationsByIDs fetches the given conversations restricted to ownerID.
func (s *Store) GetConversationsByIDs(ctx context.Context, ownerID string, ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE owner_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations by IDs: %w", err)
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (Conversation, error) {
	var c Conversation
	var route, createdAt string
	var blob []byte
	if err := sc.Scan(&c.ID, &c.OwnerID, &c.SessionID, &c.OriginalQuery, &c.AIResponse, &route, &blob, &createdAt); err != nil {
		return Conversation{}, err
	}
	c.Route = Route(route)
	var err error
	if c.Embedding, err = DecodeVector(blob); err != nil {
		return Conversation{}, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
	}
	return c, nil
}
