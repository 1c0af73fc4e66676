package decoy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/metrics"
	"github.com/kalambet/dejavu/internal/perturb"
	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/storage"
	"golang.org/x/sync/errgroup"
)

// JobStore abstracts the queue and the rows a worker reads and writes.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	RequeueRunningJobs(types []string) (int64, error)
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	InsertDecoyBatch(ctx context.Context, decoys []storage.Decoy) error
}

// Perturber rewrites one variant of a text.
type Perturber interface {
	Perturb(ctx context.Context, text string, categories []perturb.Category, variant int) (perturb.Result, error)
}

// DeferredApplier applies feedback that arrived before the batch landed.
type DeferredApplier interface {
	ApplyDeferred(ctx context.Context, conversationID string) (gate.Ack, bool, error)
}

// Config tunes a Worker. Zero values take the defaults.
type Config struct {
	Workers      int
	Variants     int
	Retry        engine.RetryPolicy
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Variants <= 0 {
		c.Variants = 3
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Worker processes decoy_generate jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	perturber Perturber
	embedder  retrieval.TextEmbedder
	deferred  DeferredApplier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker creates a Worker with the given dependencies. deferred may be nil.
func NewWorker(store JobStore, p Perturber, e retrieval.TextEmbedder, deferred DeferredApplier, cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{
		store:     store,
		perturber: p,
		embedder:  e,
		deferred:  deferred,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Run re-queues jobs orphaned by a previous process, then runs the pool
// until ctx is cancelled. It returns once every goroutine has exited.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunningJobs([]string{JobType}); err != nil {
		w.logger.Error("requeueing stale decoy jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued stale decoy jobs", "count", n)
	}

	var wg sync.WaitGroup
	for range w.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single decoy_generate job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	convID, err := w.processJob(ctx, job)
	if ctx.Err() != nil {
		// Left running; the next start re-queues it.
		return true, nil
	}
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		metrics.RecordBatch("failed")
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
	} else if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}

	if convID == "" {
		convID = job.RefID
	}
	w.applyDeferred(ctx, convID)
	return true, nil
}

func (w *Worker) applyDeferred(ctx context.Context, conversationID string) {
	if w.deferred == nil || conversationID == "" {
		return
	}
	if _, _, err := w.deferred.ApplyDeferred(ctx, conversationID); err != nil {
		w.logger.Error("applying deferred feedback", "conversation_id", conversationID, "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload generatePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}

	conv, err := w.store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		return payload.ConversationID, fmt.Errorf("loading conversation %s: %w", payload.ConversationID, err)
	}
	if conv.Route != storage.RouteExperiential {
		w.logger.Debug("skipping decoys for non-experiential conversation", "conversation_id", conv.ID)
		return conv.ID, nil
	}

	decoys := w.Generate(ctx, conv)
	if len(decoys) == 0 {
		w.logger.Warn("no decoy variant survived", "conversation_id", conv.ID, "variants", w.cfg.Variants)
		metrics.RecordBatch("empty")
		return conv.ID, nil
	}

	if err := w.store.InsertDecoyBatch(ctx, decoys); err != nil {
		return conv.ID, fmt.Errorf("storing decoys: %w", err)
	}
	metrics.RecordBatch("stored")
	w.logger.Info("decoys stored", "conversation_id", conv.ID, "count", len(decoys))
	return conv.ID, nil
}

// Generate builds the configured number of variants in parallel. A variant
// that keeps failing is dropped; the rest are returned ordered by variant.
func (w *Worker) Generate(ctx context.Context, conv storage.Conversation) []storage.Decoy {
	results := make([]*storage.Decoy, w.cfg.Variants)
	var g errgroup.Group
	for v := range w.cfg.Variants {
		g.Go(func() error {
			d, err := w.variant(ctx, conv, v)
			if err != nil {
				metrics.RecordVariant("dropped")
				w.logger.Warn("decoy variant dropped",
					"conversation_id", conv.ID, "variant", v, "error", err)
				return nil
			}
			metrics.RecordVariant("created")
			results[v] = &d
			return nil
		})
	}
	g.Wait()

	var out []storage.Decoy
	for _, d := range results {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out
}

func (w *Worker) variant(ctx context.Context, conv storage.Conversation, v int) (storage.Decoy, error) {
	var d storage.Decoy
	err := engine.Retry(ctx, w.cfg.Retry, func(ctx context.Context) error {
		res, err := w.perturber.Perturb(ctx, conv.OriginalQuery, perturb.AllCategories(), v)
		if err != nil {
			return err
		}
		vec, err := w.embedder.Embed(ctx, res.Text)
		if err != nil {
			return err
		}
		d = storage.Decoy{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Variant:        v,
			Content:        res.Text,
			Response:       perturb.Reconcile(conv.AIResponse, res.Substitutions),
			Topics:         res.Topics,
			Embedding:      vec,
			Status:         storage.DecoyPending,
			CreatedAt:      w.now(),
		}
		return nil
	})
	if err != nil && errors.Is(err, engine.ErrRejected) {
		metrics.RecordPolicyViolation("decoy")
	}
	return d, err
}
