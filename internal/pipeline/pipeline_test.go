package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/matcher"
	"github.com/kalambet/dejavu/internal/router"
	"github.com/kalambet/dejavu/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	route storage.Route
}

func (f fakeRouter) Classify(ctx context.Context, text string) (router.Classification, error) {
	return router.Classification{Route: f.route}, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeMatcher struct {
	result *matcher.MatchResult
	block  bool
	calls  int
}

func (f *fakeMatcher) Search(ctx context.Context, embedding []float32, ownerID string) (*matcher.MatchResult, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, nil
}

type fakeChat struct {
	answer string
	err    error
	last   engine.Request
}

func (f *fakeChat) Chat(ctx context.Context, req engine.Request) (string, error) {
	f.last = req
	return f.answer, f.err
}

type memStore struct {
	mu    sync.Mutex
	convs map[string]storage.Conversation
	err   error
}

func (m *memStore) SaveConversation(ctx context.Context, c storage.Conversation) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.convs == nil {
		m.convs = map[string]storage.Conversation{}
	}
	m.convs[c.ID] = c
	return nil
}

func (m *memStore) GetConversation(ctx context.Context, id string) (storage.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

type fakeScheduler struct {
	scheduled []string
	err       error
}

func (f *fakeScheduler) Schedule(ctx context.Context, id string) error {
	f.scheduled = append(f.scheduled, id)
	return f.err
}

type fakeGate struct {
	calls int
}

func (f *fakeGate) Resolve(ctx context.Context, id string, helpful bool) (gate.Ack, error) {
	f.calls++
	return gate.Ack{ConversationID: id, Helpful: helpful, Outcome: storage.OutcomePublished}, nil
}

type harness struct {
	embedder  *fakeEmbedder
	matcher   *fakeMatcher
	chat      *fakeChat
	store     *memStore
	scheduler *fakeScheduler
	gate      *fakeGate
}

func newHarness(route storage.Route) (*Pipeline, *harness) {
	h := &harness{
		embedder:  &fakeEmbedder{},
		matcher:   &fakeMatcher{},
		chat:      &fakeChat{answer: " Here is some advice. "},
		store:     &memStore{},
		scheduler: &fakeScheduler{},
		gate:      &fakeGate{},
	}
	p := New(Deps{
		Router:    fakeRouter{route: route},
		Embedder:  h.embedder,
		Matcher:   h.matcher,
		Chat:      h.chat,
		Store:     h.store,
		Scheduler: h.scheduler,
		Gate:      h.gate,
	}, Config{ReplyModel: "chat-model", MatcherTimeout: 50 * time.Millisecond})
	return p, h
}

var aliceQuery = Query{Text: "I'm a nurse in Seattle and exhausted", OwnerID: "alice", SessionID: "s1"}

func TestSubmitQuery_FactualBypassesMatchingAndDecoys(t *testing.T) {
	p, h := newHarness(storage.RouteFactual)

	reply, err := p.SubmitQuery(context.Background(), Query{Text: "What is the capital of France?", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, storage.RouteFactual, reply.Route)
	assert.Equal(t, "Here is some advice.", reply.Text)
	assert.Nil(t, reply.PeerInsight)

	assert.Zero(t, h.embedder.calls)
	assert.Zero(t, h.matcher.calls)
	assert.Empty(t, h.scheduler.scheduled)

	conv, err := h.store.GetConversation(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Nil(t, conv.Embedding)
	assert.Equal(t, storage.RouteFactual, conv.Route)
}

func TestSubmitQuery_ExperientialWithPeerInsight(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	h.matcher.result = &matcher.MatchResult{
		PeerInsight: &matcher.PeerInsight{
			Decoy: storage.GlobalDecoy{ID: "g1", Summary: "A teacher in Austin was burnt out.", Content: "c", Response: "r"},
			Score: 0.78, Tier: matcher.TierDiscovery,
		},
		OwnHistory: &matcher.OwnHistory{
			Conversation: storage.Conversation{ID: "old", OriginalQuery: "earlier", OwnerID: "alice"},
			Score:        0.9,
		},
	}

	reply, err := p.SubmitQuery(context.Background(), aliceQuery)
	require.NoError(t, err)
	require.NotNil(t, reply.PeerInsight)
	assert.Equal(t, "g1", reply.PeerInsight.ID)
	assert.Equal(t, matcher.TierDiscovery, reply.PeerInsight.Tier)
	require.NotNil(t, reply.OwnHistory)
	assert.Equal(t, "old", reply.OwnHistory.ConversationID)

	assert.Contains(t, h.chat.last.Messages[0].Content, "burnt out")
	assert.Equal(t, "chat-model", h.chat.last.Model)
	assert.Equal(t, []string{reply.ConversationID}, h.scheduler.scheduled)

	conv, err := h.store.GetConversation(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, conv.Embedding)
	assert.Equal(t, "alice", conv.OwnerID)
	assert.Equal(t, "s1", conv.SessionID)
}

func TestSubmitQuery_EmbeddingFailureIsNoMatch(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	h.embedder.err = errors.New("embedding model missing")

	reply, err := p.SubmitQuery(context.Background(), aliceQuery)
	require.NoError(t, err)
	assert.Nil(t, reply.PeerInsight)
	assert.Zero(t, h.matcher.calls)
	assert.Len(t, h.scheduler.scheduled, 1, "decoys are still generated")
}

func TestSubmitQuery_MatcherTimeoutIsNoMatch(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	h.matcher.block = true

	start := time.Now()
	reply, err := p.SubmitQuery(context.Background(), aliceQuery)
	require.NoError(t, err)
	assert.Nil(t, reply.PeerInsight)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitQuery_ReplyFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      error
		retryable bool
	}{
		{"unavailable", engine.ErrUnavailable, ErrProviderUnavailable, true},
		{"unclassified", errors.New("boom"), ErrProviderUnavailable, true},
		{"rejected", engine.ErrRejected, ErrPolicyViolation, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, h := newHarness(storage.RouteExperiential)
			h.chat.err = tc.err

			_, err := p.SubmitQuery(context.Background(), aliceQuery)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.retryable, Retryable(err))
			assert.Empty(t, h.store.convs, "nothing is stored when the reply fails")
			assert.Empty(t, h.scheduler.scheduled)
		})
	}
}

func TestSubmitQuery_StoreFailure(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	h.store.err = errors.New("database is locked")

	_, err := p.SubmitQuery(context.Background(), aliceQuery)
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.True(t, Retryable(err))
	assert.Empty(t, h.scheduler.scheduled)
}

func TestSubmitQuery_ScheduleFailureIsAbsorbed(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	h.scheduler.err = errors.New("queue full")

	reply, err := p.SubmitQuery(context.Background(), aliceQuery)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Text)
}

func TestSubmitQuery_InvalidInput(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	for _, q := range []Query{
		{Text: "", OwnerID: "alice"},
		{Text: "   \n", OwnerID: "alice"},
		{Text: "hello there", OwnerID: ""},
	} {
		_, err := p.SubmitQuery(context.Background(), q)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Empty(t, h.store.convs)
}

func TestSubmitFeedback(t *testing.T) {
	p, h := newHarness(storage.RouteExperiential)
	reply, err := p.SubmitQuery(context.Background(), aliceQuery)
	require.NoError(t, err)

	_, err = p.SubmitFeedback(context.Background(), reply.ConversationID, "mallory", true)
	assert.ErrorIs(t, err, storage.ErrNotFound, "other owners must not learn the conversation exists")

	_, err = p.SubmitFeedback(context.Background(), "missing", "alice", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, h.gate.calls)

	ack, err := p.SubmitFeedback(context.Background(), reply.ConversationID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, reply.ConversationID, ack.ConversationID)
	assert.Equal(t, 1, h.gate.calls)
}
