package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	calls    int
	last     engine.Request
}

func (m *mockChatter) Chat(ctx context.Context, req engine.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func (m *mockChatter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestClassify_Experiential(t *testing.T) {
	mock := &mockChatter{response: `{"label":"experiential"}`}
	r := New(mock, Config{Model: "llama3.2"})

	got, err := r.Classify(context.Background(), "I'm 28, working in Seattle and feel stuck in my job")
	require.NoError(t, err)
	assert.Equal(t, RouteExperiential, got.Route)
	assert.False(t, got.Fallback)

	require.NotNil(t, mock.last.Schema)
	assert.Equal(t, []string{"experiential", "factual"}, mock.last.Schema.Properties["label"].Enum)
	assert.Equal(t, "llama3.2", mock.last.Model)
}

func TestClassify_Factual(t *testing.T) {
	mock := &mockChatter{response: `{"label":"factual"}`}
	r := New(mock, Config{})

	got, err := r.Classify(context.Background(), "how do I sort a list in Python?")
	require.NoError(t, err)
	assert.Equal(t, RouteFactual, got.Route)
	assert.False(t, got.Fallback)
}

func TestClassify_EmptyInput(t *testing.T) {
	mock := &mockChatter{}
	r := New(mock, Config{})

	for _, in := range []string{"", "   ", "\n\t"} {
		_, err := r.Classify(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Zero(t, mock.callCount())
}

func TestClassify_FailOpen(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
	}{
		{"provider error", &mockChatter{err: engine.ErrUnavailable}},
		{"garbage label", &mockChatter{response: `{"label":"maybe"}`}},
		{"not json", &mockChatter{response: `I think this is about a person`}},
		{"timeout", &mockChatter{response: `{"label":"factual"}`, delay: 200 * time.Millisecond}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New(tc.mock, Config{Timeout: 20 * time.Millisecond})
			got, err := r.Classify(context.Background(), "my boss keeps ignoring me")
			require.NoError(t, err)
			assert.Equal(t, RouteExperiential, got.Route)
			assert.True(t, got.Fallback)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestClassify_FailPolicyFactual(t *testing.T) {
	mock := &mockChatter{err: errors.New("connection refused")}
	r := New(mock, Config{FailPolicy: RouteFactual})

	got, err := r.Classify(context.Background(), "my boss keeps ignoring me")
	require.NoError(t, err)
	assert.Equal(t, RouteFactual, got.Route)
	assert.True(t, got.Fallback)
}

func TestClassify_CachesSuccessOnly(t *testing.T) {
	mock := &mockChatter{response: `{"label":"experiential"}`}
	r := New(mock, Config{})

	_, err := r.Classify(context.Background(), "I failed my exam again")
	require.NoError(t, err)
	got, err := r.Classify(context.Background(), "  I FAILED my   exam again ")
	require.NoError(t, err)
	assert.Equal(t, RouteExperiential, got.Route)
	assert.Equal(t, 1, mock.callCount(), "normalized resubmission should hit the cache")

	failing := &mockChatter{err: engine.ErrUnavailable}
	r = New(failing, Config{})
	r.Classify(context.Background(), "I failed my exam again")
	r.Classify(context.Background(), "I failed my exam again")
	assert.Equal(t, 2, failing.callCount(), "fallback results must not be cached")
}

func TestClassify_GreetingSkipsProvider(t *testing.T) {
	mock := &mockChatter{response: `{"label":"experiential"}`}
	r := New(mock, Config{})

	for _, in := range []string{"Hi!", "thank you", "你好", "Merry Christmas"} {
		got, err := r.Classify(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, RouteFactual, got.Route, in)
	}
	assert.Zero(t, mock.callCount())

	// A greeting followed by a personal story still goes to the provider.
	_, err := r.Classify(context.Background(), "hi, I just got laid off from my job in Austin")
	require.NoError(t, err)
	assert.Equal(t, 1, mock.callCount())
}

func TestParseLabel(t *testing.T) {
	tests := []struct {
		raw     string
		want    Route
		wantErr bool
	}{
		{`{"label":"experiential"}`, RouteExperiential, false},
		{`{"label":"FACTUAL"}`, RouteFactual, false},
		{`factual`, RouteFactual, false},
		{` "Experiential". `, RouteExperiential, false},
		{`personal`, RouteExperiential, false},
		{`{"label":""}`, "", true},
		{`creative`, "", true},
		{``, "", true},
	}
	for _, tc := range tests {
		got, err := ParseLabel(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
