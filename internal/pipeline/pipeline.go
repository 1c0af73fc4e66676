// Package pipeline wires the router, matcher, reply generation, decoy
// scheduling and the quality gate into the two user-facing operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kalambet/dejavu/internal/composer"
	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/matcher"
	"github.com/kalambet/dejavu/internal/metrics"
	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/router"
	"github.com/kalambet/dejavu/internal/storage"
)

const (
	defaultMatcherTimeout = 2 * time.Second
	maxQueryRunes         = 8000
)

const assistantPrompt = `You are a warm, practical assistant. Answer the user's message directly and helpfully.`

// Query is one incoming user message. It is never persisted on its own.
type Query struct {
	Text      string
	SessionID string
	OwnerID   string
	Timestamp time.Time
}

// PeerInsight is the public view of a matched pool entry.
type PeerInsight struct {
	ID       string       `json:"id"`
	Summary  string       `json:"summary"`
	Content  string       `json:"content"`
	Response string       `json:"response"`
	Topics   []string     `json:"topics"`
	Tier     matcher.Tier `json:"tier"`
	Score    float32      `json:"score"`
}

// OwnHistory points at one of the caller's own earlier conversations.
type OwnHistory struct {
	ConversationID string    `json:"conversation_id"`
	Query          string    `json:"query"`
	CreatedAt      time.Time `json:"created_at"`
	Score          float32   `json:"score"`
}

// Reply is the answer to a Query.
type Reply struct {
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	Route          storage.Route `json:"route"`
	PeerInsight    *PeerInsight  `json:"peer_insight,omitempty"`
	OwnHistory     *OwnHistory   `json:"own_history,omitempty"`
}

// Classifier routes a query.
type Classifier interface {
	Classify(ctx context.Context, text string) (router.Classification, error)
}

// Matcher searches for similar experiences.
type Matcher interface {
	Search(ctx context.Context, embedding []float32, ownerID string) (*matcher.MatchResult, error)
}

// Chatter generates the reply.
type Chatter interface {
	Chat(ctx context.Context, req engine.Request) (string, error)
}

// Store persists and loads conversations.
type Store interface {
	SaveConversation(ctx context.Context, c storage.Conversation) error
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
}

// Scheduler queues decoy generation.
type Scheduler interface {
	Schedule(ctx context.Context, conversationID string) error
}

// Resolver applies feedback.
type Resolver interface {
	Resolve(ctx context.Context, conversationID string, helpful bool) (gate.Ack, error)
}

// Config tunes a Pipeline. Zero values take the defaults.
type Config struct {
	ReplyModel     string
	MatcherTimeout time.Duration
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Router    Classifier
	Embedder  retrieval.TextEmbedder
	Matcher   Matcher
	Composer  *composer.Composer
	Chat      Chatter
	Store     Store
	Scheduler Scheduler
	Gate      Resolver
}

// Pipeline serves queries and feedback.
type Pipeline struct {
	deps           Deps
	replyModel     string
	matcherTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if deps.Composer == nil {
		deps.Composer = composer.New(0)
	}
	if cfg.MatcherTimeout <= 0 {
		cfg.MatcherTimeout = defaultMatcherTimeout
	}
	return &Pipeline{
		deps:           deps,
		replyModel:     cfg.ReplyModel,
		matcherTimeout: cfg.MatcherTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// SubmitQuery answers q. Factual queries are answered directly. Experiential
// queries are matched against the pool and the caller's history, and get
// decoys scheduled once the conversation is stored.
func (p *Pipeline) SubmitQuery(ctx context.Context, q Query) (Reply, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: query text is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > maxQueryRunes {
		return Reply{}, fmt.Errorf("%w: query exceeds %d characters", ErrInvalidInput, maxQueryRunes)
	}
	if q.OwnerID == "" {
		return Reply{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	class, err := p.deps.Router.Classify(ctx, text)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	reply := Reply{ConversationID: uuid.NewString(), Route: class.Route}
	var embedding []float32
	var match *matcher.MatchResult
	if class.Route == storage.RouteExperiential {
		embedding, match = p.match(ctx, text, q.OwnerID)
	}

	msgs := []engine.Message{
		{Role: "system", Content: assistantPrompt},
		{Role: "user", Content: text},
	}
	if match != nil {
		msgs = p.deps.Composer.Compose(msgs, toInsight(match.PeerInsight), toHistory(match.OwnHistory))
		reply.PeerInsight = publicInsight(match.PeerInsight)
		reply.OwnHistory = ownHistory(match.OwnHistory)
	}

	start := time.Now()
	answer, err := p.deps.Chat.Chat(ctx, engine.Request{Model: p.replyModel, Messages: msgs})
	metrics.ObserveProvider("reply", start, err)
	if err != nil {
		if errors.Is(err, engine.ErrRejected) {
			metrics.RecordPolicyViolation("reply")
			return Reply{}, fmt.Errorf("%w: %w", ErrPolicyViolation, err)
		}
		return Reply{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	reply.Text = strings.TrimSpace(answer)

	createdAt := q.Timestamp
	if createdAt.IsZero() {
		createdAt = p.now()
	}
	conv := storage.Conversation{
		ID:            reply.ConversationID,
		OwnerID:       q.OwnerID,
		SessionID:     q.SessionID,
		OriginalQuery: text,
		AIResponse:    reply.Text,
		Route:         class.Route,
		Embedding:     embedding,
		CreatedAt:     createdAt,
	}
	if err := p.deps.Store.SaveConversation(ctx, conv); err != nil {
		return Reply{}, fmt.Errorf("%w: saving conversation: %w", ErrStoreFailure, err)
	}

	if class.Route == storage.RouteExperiential {
		if err := p.deps.Scheduler.Schedule(ctx, conv.ID); err != nil {
			p.logger.Error("scheduling decoys", "conversation_id", conv.ID, "error", err)
		}
	}

	p.logger.Info("query answered",
		"conversation_id", conv.ID, "route", class.Route, "fallback", class.Fallback,
		"peer_insight", reply.PeerInsight != nil, "own_history", reply.OwnHistory != nil)
	return reply, nil
}

// match embeds the query and searches within the matcher timeout. Any
// failure means "no match"; the embedding is still returned when available.
func (p *Pipeline) match(ctx context.Context, text, ownerID string) ([]float32, *matcher.MatchResult) {
	embedding, err := p.deps.Embedder.Embed(ctx, text)
	if err != nil {
		p.logger.Warn("embedding failed, continuing without match", "error", err)
		return nil, nil
	}

	mctx, cancel := context.WithTimeout(ctx, p.matcherTimeout)
	defer cancel()
	result, err := p.deps.Matcher.Search(mctx, embedding, ownerID)
	if err != nil {
		if errors.Is(mctx.Err(), context.DeadlineExceeded) {
			metrics.RecordMatch("timeout", p.matcherTimeout)
		}
		p.logger.Warn("similarity search failed, continuing without match", "error", err)
		return embedding, nil
	}
	return embedding, result
}

// SubmitFeedback records the owner's verdict on a conversation's answer.
// Conversations owned by someone else are reported as not found.
func (p *Pipeline) SubmitFeedback(ctx context.Context, conversationID, ownerID string, helpful bool) (gate.Ack, error) {
	if conversationID == "" || ownerID == "" {
		return gate.Ack{}, fmt.Errorf("%w: conversation and owner are required", ErrInvalidInput)
	}
	conv, err := p.deps.Store.GetConversation(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.OwnerID != ownerID) {
		return gate.Ack{}, fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	if err != nil {
		return gate.Ack{}, fmt.Errorf("%w: loading conversation: %w", ErrStoreFailure, err)
	}

	ack, err := p.deps.Gate.Resolve(ctx, conversationID, helpful)
	if err != nil {
		return gate.Ack{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return ack, nil
}

func toInsight(pi *matcher.PeerInsight) *composer.Insight {
	if pi == nil {
		return nil
	}
	return &composer.Insight{
		Summary:  pi.Decoy.Summary,
		Content:  pi.Decoy.Content,
		Response: pi.Decoy.Response,
		Score:    pi.Score,
	}
}

func toHistory(oh *matcher.OwnHistory) *composer.History {
	if oh == nil {
		return nil
	}
	return &composer.History{
		Query:    oh.Conversation.OriginalQuery,
		Response: oh.Conversation.AIResponse,
		Score:    oh.Score,
	}
}

func publicInsight(pi *matcher.PeerInsight) *PeerInsight {
	if pi == nil {
		return nil
	}
	return &PeerInsight{
		ID:       pi.Decoy.ID,
		Summary:  pi.Decoy.Summary,
		Content:  pi.Decoy.Content,
		Response: pi.Decoy.Response,
		Topics:   pi.Decoy.Topics,
		Tier:     pi.Tier,
		Score:    pi.Score,
	}
}

func ownHistory(oh *matcher.OwnHistory) *OwnHistory {
	if oh == nil {
		return nil
	}
	return &OwnHistory{
		ConversationID: oh.Conversation.ID,
		Query:          oh.Conversation.OriginalQuery,
		CreatedAt:      oh.Conversation.CreatedAt,
		Score:          oh.Score,
	}
}
