// Package decoy produces perturbed copies of experiential conversations in
// the background and expires the ones nobody ruled on.
package decoy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/dejavu/internal/storage"
)

// JobType is the queue type of decoy generation jobs.
const JobType = "decoy_generate"

// Enqueuer is the queue write the factory needs.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

type generatePayload struct {
	ConversationID string `json:"conversation_id"`
}

// Factory schedules decoy generation. Scheduling only writes a job; the
// work happens in a Worker.
type Factory struct {
	store       Enqueuer
	maxAttempts int
}

// NewFactory creates a Factory. Jobs are attempted up to maxAttempts times
// (the queue default when <= 0).
func NewFactory(store Enqueuer, maxAttempts int) *Factory {
	return &Factory{store: store, maxAttempts: maxAttempts}
}

// Schedule queues generation for a stored conversation.
func (f *Factory) Schedule(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(generatePayload{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		RefID:       conversationID,
		PayloadJSON: string(payload),
		MaxAttempts: f.maxAttempts,
	}
	if err := f.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing decoy job for %s: %w", conversationID, err)
	}
	return nil
}
