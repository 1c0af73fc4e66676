package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SummaryFunc returns the public synopsis for a decoy being published. It is
// called inside a write transaction and must not block on I/O.
type SummaryFunc func(Decoy) string

const feedbackColumns = `conversation_id, helpful, outcome, published, discarded, submitted_at`

// ResolveFeedback records the first verdict for a conversation and applies it
// to the conversation's pending decoys in the same transaction. If a verdict
// already exists it is returned unchanged and applied is false.
//
// With no pending decoys the verdict is stored as deferred while a generation
// job for the conversation is still queued or running, and as no_pending
// otherwise.
func (s *Store) ResolveFeedback(ctx context.Context, fb Feedback, summarize SummaryFunc) (stored Feedback, applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Feedback{}, false, fmt.Errorf("beginning feedback transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getFeedback(ctx, tx, fb.ConversationID)
	switch {
	case err == nil:
		return existing, false, nil
	case err != ErrNotFound:
		return Feedback{}, false, err
	}

	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = time.Now()
	}
	fb.Published, fb.Discarded = 0, 0

	pending, err := queryDecoys(ctx, tx, `SELECT `+decoyColumns+` FROM decoys
		WHERE conversation_id = ? AND status = 'pending' ORDER BY variant ASC, id ASC`, fb.ConversationID)
	if err != nil {
		return Feedback{}, false, err
	}

	if len(pending) == 0 {
		active, err := activeJobCount(tx, fb.ConversationID)
		if err != nil {
			return Feedback{}, false, fmt.Errorf("checking generation jobs: %w", err)
		}
		fb.Outcome = OutcomeNoPending
		if active > 0 {
			fb.Outcome = OutcomeDeferred
		}
	} else {
		if fb.Published, fb.Discarded, err = finalizeDecoys(ctx, tx, pending, fb.Helpful, summarize, fb.SubmittedAt); err != nil {
			return Feedback{}, false, err
		}
		fb.Outcome = outcomeFor(fb.Helpful)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO feedback (`+feedbackColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ConversationID, boolToInt(fb.Helpful), string(fb.Outcome), fb.Published, fb.Discarded, formatTime(fb.SubmittedAt)); err != nil {
		return Feedback{}, false, fmt.Errorf("inserting feedback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Feedback{}, false, fmt.Errorf("committing feedback: %w", err)
	}
	return fb, true, nil
}

// ApplyDeferredFeedback applies a verdict that was stored as deferred to the
// decoys that have landed since. It is a no-op (applied false) when there is
// no verdict or the verdict is not deferred.
func (s *Store) ApplyDeferredFeedback(ctx context.Context, conversationID string, summarize SummaryFunc) (Feedback, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Feedback{}, false, fmt.Errorf("beginning deferred feedback transaction: %w", err)
	}
	defer tx.Rollback()

	fb, err := getFeedback(ctx, tx, conversationID)
	if err == ErrNotFound {
		return Feedback{}, false, nil
	}
	if err != nil {
		return Feedback{}, false, err
	}
	if fb.Outcome != OutcomeDeferred {
		return fb, false, nil
	}

	pending, err := queryDecoys(ctx, tx, `SELECT `+decoyColumns+` FROM decoys
		WHERE conversation_id = ? AND status = 'pending' ORDER BY variant ASC, id ASC`, conversationID)
	if err != nil {
		return Feedback{}, false, err
	}

	if len(pending) == 0 {
		active, err := activeJobCount(tx, conversationID)
		if err != nil {
			return Feedback{}, false, fmt.Errorf("checking generation jobs: %w", err)
		}
		if active > 0 {
			return fb, false, nil
		}
		fb.Outcome = OutcomeNoPending
	} else {
		if fb.Published, fb.Discarded, err = finalizeDecoys(ctx, tx, pending, fb.Helpful, summarize, time.Now()); err != nil {
			return Feedback{}, false, err
		}
		fb.Outcome = outcomeFor(fb.Helpful)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE feedback SET outcome = ?, published = ?, discarded = ? WHERE conversation_id = ?`,
		string(fb.Outcome), fb.Published, fb.Discarded, conversationID); err != nil {
		return Feedback{}, false, fmt.Errorf("updating feedback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Feedback{}, false, fmt.Errorf("committing deferred feedback: %w", err)
	}
	return fb, true, nil
}

func (s *Store) GetFeedback(ctx context.Context, conversationID string) (Feedback, error) {
	return getFeedback(ctx, s.db, conversationID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getFeedback(ctx context.Context, q rowQuerier, conversationID string) (Feedback, error) {
	var fb Feedback
	var helpful int
	var outcome, submittedAt string
	err := q.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE conversation_id = ?`, conversationID).
		Scan(&fb.ConversationID, &helpful, &outcome, &fb.Published, &fb.Discarded, &submittedAt)
	if err == sql.ErrNoRows {
		return Feedback{}, ErrNotFound
	}
	if err != nil {
		return Feedback{}, err
	}
	fb.Helpful = helpful != 0
	fb.Outcome = FeedbackOutcome(outcome)
	if fb.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing submitted_at: %w", err)
	}
	return fb, nil
}

// finalizeDecoys moves each pending decoy to its terminal status. Published
// decoys are copied into the public pool stripped of any link to their source.
// Decoys that lost a race to another writer are skipped.
func finalizeDecoys(ctx context.Context, tx *sql.Tx, pending []Decoy, helpful bool, summarize SummaryFunc, at time.Time) (published, discarded int, err error) {
	to := DecoyDiscarded
	if helpful {
		to = DecoyPublished
	}
	for _, d := range pending {
		var summary string
		if helpful {
			summary = summarize(d)
			if summary == "" {
				return 0, 0, fmt.Errorf("empty summary for decoy %s", d.ID)
			}
		}
		ok, err := casDecoy(ctx, tx, d.ID, to, at)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			continue
		}
		if !helpful {
			discarded++
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE decoys SET summary = ? WHERE id = ?`, summary, d.ID); err != nil {
			return 0, 0, fmt.Errorf("storing summary for decoy %s: %w", d.ID, err)
		}
		g := GlobalDecoy{
			ID:        uuid.NewString(),
			Content:   d.Content,
			Response:  d.Response,
			Summary:   summary,
			Topics:    d.Topics,
			Embedding: d.Embedding,
			CreatedAt: at,
		}
		if err := insertGlobalDecoy(ctx, tx, g); err != nil {
			return 0, 0, err
		}
		published++
	}
	return published, discarded, nil
}

func outcomeFor(helpful bool) FeedbackOutcome {
	if helpful {
		return OutcomePublished
	}
	return OutcomeDiscarded
}
