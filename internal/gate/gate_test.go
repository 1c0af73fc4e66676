package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChatter struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, req engine.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.response, m.err
}

func (m *mockChatter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *storage.Store, decoys int) string {
	t.Helper()
	ctx := context.Background()
	convID := uuid.NewString()
	require.NoError(t, s.SaveConversation(ctx, storage.Conversation{
		ID: convID, OwnerID: "alice", OriginalQuery: "I'm 28 in Seattle", AIResponse: "hang in there",
		Route: storage.RouteExperiential, Embedding: []float32{1, 0}, CreatedAt: time.Now(),
	}))
	addDecoys(t, s, convID, decoys)
	return convID
}

func addDecoys(t *testing.T, s *storage.Store, convID string, n int) {
	t.Helper()
	var batch []storage.Decoy
	for i := range n {
		batch = append(batch, storage.Decoy{
			ID: uuid.NewString(), ConversationID: convID, Variant: i,
			Content:  fmt.Sprintf("I'm %d in Austin. Work is draining me.", 30+i),
			Response: "hang in there", Topics: []string{"burnout"}, Embedding: []float32{0.9, 0.1},
		})
	}
	require.NoError(t, s.InsertDecoyBatch(context.Background(), batch))
}

func newTestGate(s Store, c Chatter) *Gate {
	return New(s, c, Config{Model: "m", Retry: engine.RetryPolicy{Attempts: 2, Base: time.Millisecond}})
}

func TestResolve_HelpfulPublishesEveryPendingDecoy(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 3)
	chat := &mockChatter{response: "  A developer is worn out by work. "}
	g := newTestGate(s, chat)

	ack, err := g.Resolve(context.Background(), convID, true)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomePublished, ack.Outcome)
	assert.Equal(t, 3, ack.Published)
	assert.Equal(t, 0, ack.Discarded)
	assert.Equal(t, 3, chat.callCount())

	pool, err := s.ListGlobalDecoys(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, pool, 3)
	for _, gd := range pool {
		assert.Equal(t, "A developer is worn out by work.", gd.Summary)
		assert.NotEmpty(t, gd.Embedding)
	}

	counts, err := s.CountDecoys(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, storage.DecoyCounts{Published: 3}, counts)
}

func TestResolve_ProviderDownUsesExtractiveSummary(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 2)
	chat := &mockChatter{err: engine.ErrUnavailable}
	g := newTestGate(s, chat)

	ack, err := g.Resolve(context.Background(), convID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Published)
	assert.Equal(t, 4, chat.callCount(), "two attempts per decoy")

	pool, err := s.ListGlobalDecoys(context.Background(), 10, 0)
	require.NoError(t, err)
	for _, gd := range pool {
		assert.True(t, strings.HasPrefix(gd.Summary, "I'm 3"), gd.Summary)
		assert.True(t, strings.HasSuffix(gd.Summary, "Austin."), gd.Summary)
	}
}

func TestResolve_UnhelpfulDiscards(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 3)
	chat := &mockChatter{response: "unused"}
	g := newTestGate(s, chat)

	ack, err := g.Resolve(context.Background(), convID, false)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeDiscarded, ack.Outcome)
	assert.Equal(t, 3, ack.Discarded)
	assert.Zero(t, chat.callCount())

	n, err := s.CountGlobalDecoys(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolve_Idempotent(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 2)
	chat := &mockChatter{response: "summary"}
	g := newTestGate(s, chat)

	first, err := g.Resolve(context.Background(), convID, true)
	require.NoError(t, err)
	again, err := g.Resolve(context.Background(), convID, true)
	require.NoError(t, err)
	flipped, err := g.Resolve(context.Background(), convID, false)
	require.NoError(t, err)

	assert.Equal(t, first.Outcome, again.Outcome)
	assert.Equal(t, first.Published, again.Published)
	assert.True(t, first.SubmittedAt.Equal(again.SubmittedAt))
	assert.True(t, flipped.Helpful, "the first verdict wins")
	assert.Equal(t, storage.OutcomePublished, flipped.Outcome)
	assert.Equal(t, 2, chat.callCount(), "summaries are generated once")

	n, err := s.CountGlobalDecoys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResolve_ConcurrentFirstWriterWins(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 3)
	g := newTestGate(s, &mockChatter{response: "summary"})

	var wg sync.WaitGroup
	acks := make([]Ack, 8)
	for i := range acks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := g.Resolve(context.Background(), convID, i%2 == 0)
			assert.NoError(t, err)
			acks[i] = ack
		}()
	}
	wg.Wait()

	for _, a := range acks[1:] {
		assert.Equal(t, acks[0].Helpful, a.Helpful)
		assert.Equal(t, acks[0].Outcome, a.Outcome)
	}
	counts, err := s.CountDecoys(context.Background(), convID)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
	assert.Equal(t, 3, counts.Published+counts.Discarded)

	n, err := s.CountGlobalDecoys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, counts.Published, n)
}

func TestResolve_NoPending(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 0)
	g := newTestGate(s, &mockChatter{})

	ack, err := g.Resolve(context.Background(), convID, true)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeNoPending, ack.Outcome)
}

func TestApplyDeferred(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	convID := seedConversation(t, s, 0)
	jobID := uuid.NewString()
	require.NoError(t, s.EnqueueJob(storage.Job{ID: jobID, Type: "decoy_generate", RefID: convID, PayloadJSON: "{}"}))

	chat := &mockChatter{response: "summary"}
	g := newTestGate(s, chat)

	ack, err := g.Resolve(ctx, convID, true)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeDeferred, ack.Outcome)

	// Nothing to apply while the job is still queued.
	_, applied, err := g.ApplyDeferred(ctx, convID)
	require.NoError(t, err)
	assert.False(t, applied)

	addDecoys(t, s, convID, 3)
	require.NoError(t, s.CompleteJob(jobID))

	ack, applied, err = g.ApplyDeferred(ctx, convID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, storage.OutcomePublished, ack.Outcome)
	assert.Equal(t, 3, ack.Published)

	// A second application is a no-op.
	_, applied, err = g.ApplyDeferred(ctx, convID)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyDeferred_NoFeedback(t *testing.T) {
	s := openTestStore(t)
	convID := seedConversation(t, s, 2)
	_, applied, err := newTestGate(s, &mockChatter{}).ApplyDeferred(context.Background(), convID)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestExtractive(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"I'm 31 in Austin. Work is draining me.", "I'm 31 in Austin."},
		{"No terminator here", "No terminator here"},
		{"Version 2.0 broke. Again!", "Version 2.0 broke."},
		{"我在成都工作。压力很大。", "我在成都工作。"},
		{"   ", ""},
		{"  spaced\n\nout?  yes", "spaced out?"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Extractive(tc.in), tc.in)
	}

	long := strings.Repeat("word ", 100)
	got := Extractive(long)
	assert.LessOrEqual(t, len([]rune(got)), 200)
	assert.NotEmpty(t, got)
}
