// Package gate turns a user's verdict on an answer into the fate of that
// conversation's decoys: helpful publishes them to the pool, unhelpful
// discards them. Each conversation is resolved exactly once.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/metrics"
	"github.com/kalambet/dejavu/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Ack reports how a verdict was applied.
type Ack struct {
	ConversationID string                  `json:"conversation_id"`
	Helpful        bool                    `json:"helpful"`
	Outcome        storage.FeedbackOutcome `json:"outcome"`
	Published      int                     `json:"published"`
	Discarded      int                     `json:"discarded"`
	SubmittedAt    time.Time               `json:"submitted_at"`
}

func ackFrom(fb storage.Feedback) Ack {
	return Ack{
		ConversationID: fb.ConversationID,
		Helpful:        fb.Helpful,
		Outcome:        fb.Outcome,
		Published:      fb.Published,
		Discarded:      fb.Discarded,
		SubmittedAt:    fb.SubmittedAt,
	}
}

// Store is the persistence the gate needs.
type Store interface {
	PendingDecoys(ctx context.Context, conversationID string) ([]storage.Decoy, error)
	GetFeedback(ctx context.Context, conversationID string) (storage.Feedback, error)
	ResolveFeedback(ctx context.Context, fb storage.Feedback, summarize storage.SummaryFunc) (storage.Feedback, bool, error)
	ApplyDeferredFeedback(ctx context.Context, conversationID string, summarize storage.SummaryFunc) (storage.Feedback, bool, error)
}

// Chatter is the slice of engine.Engine used for summaries.
type Chatter interface {
	Chat(ctx context.Context, req engine.Request) (string, error)
}

// Config tunes a Gate. Zero values take the defaults.
type Config struct {
	Model       string
	Retry       engine.RetryPolicy
	Concurrency int
}

// Gate applies feedback to pending decoys.
type Gate struct {
	store       Store
	client      Chatter
	model       string
	retry       engine.RetryPolicy
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Gate.
func New(store Store, client Chatter, cfg Config) *Gate {
	g := &Gate{
		store:       store,
		client:      client,
		model:       cfg.Model,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	if g.retry.Attempts <= 0 {
		g.retry.Attempts = 3
	}
	if g.retry.Base <= 0 {
		g.retry.Base = 500 * time.Millisecond
	}
	if g.concurrency <= 0 {
		g.concurrency = 3
	}
	return g
}

// Resolve records the verdict for a conversation. Only the first call for a
// conversation has an effect; later calls get the stored Ack back.
func (g *Gate) Resolve(ctx context.Context, conversationID string, helpful bool) (Ack, error) {
	if existing, err := g.store.GetFeedback(ctx, conversationID); err == nil {
		return ackFrom(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Ack{}, fmt.Errorf("loading feedback: %w", err)
	}

	summarize, err := g.prepare(ctx, conversationID, helpful)
	if err != nil {
		return Ack{}, err
	}

	fb, applied, err := g.store.ResolveFeedback(ctx, storage.Feedback{
		ConversationID: conversationID,
		Helpful:        helpful,
		SubmittedAt:    g.now(),
	}, summarize)
	if err != nil {
		return Ack{}, fmt.Errorf("resolving feedback: %w", err)
	}
	if applied {
		metrics.RecordGateOutcome(string(fb.Outcome))
		g.logger.Info("feedback resolved",
			"conversation_id", conversationID, "outcome", fb.Outcome,
			"published", fb.Published, "discarded", fb.Discarded)
	}
	return ackFrom(fb), nil
}

// ApplyDeferred applies a verdict that arrived before the conversation's
// decoys existed. It reports whether anything changed.
func (g *Gate) ApplyDeferred(ctx context.Context, conversationID string) (Ack, bool, error) {
	fb, err := g.store.GetFeedback(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return Ack{}, false, nil
	}
	if err != nil {
		return Ack{}, false, fmt.Errorf("loading feedback: %w", err)
	}
	if fb.Outcome != storage.OutcomeDeferred {
		return ackFrom(fb), false, nil
	}

	summarize, err := g.prepare(ctx, conversationID, fb.Helpful)
	if err != nil {
		return Ack{}, false, err
	}

	fb, applied, err := g.store.ApplyDeferredFeedback(ctx, conversationID, summarize)
	if err != nil {
		return Ack{}, false, fmt.Errorf("applying deferred feedback: %w", err)
	}
	if applied {
		metrics.RecordGateOutcome(string(fb.Outcome))
		g.logger.Info("deferred feedback applied",
			"conversation_id", conversationID, "outcome", fb.Outcome,
			"published", fb.Published, "discarded", fb.Discarded)
	}
	return ackFrom(fb), applied, nil
}

// prepare generates summaries for the pending decoys ahead of the write
// transaction, which must not wait on the provider. Decoys that land after
// this point get the extractive summary.
func (g *Gate) prepare(ctx context.Context, conversationID string, helpful bool) (storage.SummaryFunc, error) {
	if !helpful {
		return func(storage.Decoy) string { return "" }, nil
	}

	pending, err := g.store.PendingDecoys(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading pending decoys: %w", err)
	}

	summaries := make([]string, len(pending))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, d := range pending {
		eg.Go(func() error {
			summaries[i] = g.Summarize(egctx, d)
			return nil
		})
	}
	eg.Wait()

	byID := make(map[string]string, len(pending))
	for i, d := range pending {
		byID[d.ID] = summaries[i]
	}
	return func(d storage.Decoy) string {
		if s, ok := byID[d.ID]; ok && s != "" {
			return s
		}
		return Extractive(d.Content)
	}, nil
}
