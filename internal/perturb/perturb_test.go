package perturb

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChatter struct {
	response string
	err      error
	requests []engine.Request
}

func (m *mockChatter) Chat(ctx context.Context, req engine.Request) (string, error) {
	m.requests = append(m.requests, req)
	return m.response, m.err
}

const seattleQuery = "I'm a 28 year old software engineer in Seattle and I feel burnt out."

func TestPerturb_Success(t *testing.T) {
	mock := &mockChatter{response: `{
		"text": "I'm a 31 year old backend developer in Austin and I feel burnt out.",
		"substitutions": [
			{"original": "28", "replacement": "31", "category": "age_date"},
			{"original": "software engineer", "replacement": "backend developer", "category": "profession"},
			{"original": "Seattle", "replacement": "Austin", "category": "location"}
		],
		"topics": ["Burnout", "career", "burnout", " "]
	}`}
	p := New(mock, "llama3.2")

	got, err := p.Perturb(context.Background(), seattleQuery, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "I'm a 31 year old backend developer in Austin and I feel burnt out.", got.Text)
	assert.Len(t, got.Substitutions, 3)
	assert.Equal(t, []string{"burnout", "career"}, got.Topics)

	require.Len(t, mock.requests, 1)
	req := mock.requests[0]
	require.NotNil(t, req.Schema)
	require.NotNil(t, req.Seed)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, []string{"location", "age_date", "profession"},
		req.Schema.Properties["substitutions"].Items.Properties["category"].Enum)
}

func TestPerturb_LeakedOriginalIsRewritten(t *testing.T) {
	mock := &mockChatter{response: `{
		"text": "I'm a 28 year old nurse in Austin, far from Seattle.",
		"substitutions": [{"original": "Seattle", "replacement": "Austin", "category": "location"}],
		"topics": []
	}`}
	p := New(mock, "m")

	got, err := p.Perturb(context.Background(), "I'm a 28 year old nurse in Seattle.", []Category{CategoryLocation}, 0)
	require.NoError(t, err)
	assert.Equal(t, "I'm a 28 year old nurse in Austin, far from Austin.", got.Text)
}

func TestPerturb_ReplacementContainingOriginalIsKept(t *testing.T) {
	mock := &mockChatter{response: `{
		"text": "I am a civil engineer in Austin and I feel burnt out.",
		"substitutions": [
			{"original": "engineer", "replacement": "civil engineer", "category": "profession"},
			{"original": "Seattle", "replacement": "Austin", "category": "location"}
		],
		"topics": []
	}`}
	p := New(mock, "m")

	got, err := p.Perturb(context.Background(), "I am an engineer in Seattle and I feel burnt out.", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "I am a civil engineer in Austin and I feel burnt out.", got.Text)
}

func TestPerturb_DropsOutOfScopeSubstitutions(t *testing.T) {
	mock := &mockChatter{response: `{
		"text": "A nurse in Austin.",
		"substitutions": [
			{"original": "Seattle", "replacement": "Austin", "category": "location"},
			{"original": "doctor", "replacement": "nurse", "category": "profession"},
			{"original": "same", "replacement": "SAME", "category": "location"},
			{"original": "", "replacement": "x", "category": "location"},
			{"original": "seattle", "replacement": "Boston", "category": "location"}
		],
		"topics": []
	}`}
	p := New(mock, "m")

	got, err := p.Perturb(context.Background(), "A doctor in Seattle.", []Category{CategoryLocation}, 1)
	require.NoError(t, err)
	assert.Equal(t, []Substitution{{Original: "Seattle", Replacement: "Austin", Category: CategoryLocation}}, got.Substitutions)
}

func TestPerturb_Failures(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
		in   string
		cats []Category
	}{
		{"provider error", &mockChatter{err: engine.ErrUnavailable}, seattleQuery, nil},
		{"not json", &mockChatter{response: "I'm a 31 year old in Austin"}, seattleQuery, nil},
		{"empty text", &mockChatter{response: `{"text":"  ","substitutions":[],"topics":[]}`}, seattleQuery, nil},
		{"identical", &mockChatter{response: `{"text":"` + seattleQuery + `","substitutions":[],"topics":[]}`}, seattleQuery, nil},
		{"empty input", &mockChatter{}, "   ", nil},
		{"unknown category", &mockChatter{}, seattleQuery, []Category{"religion"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.mock, "m").Perturb(context.Background(), tc.in, tc.cats, 0)
			assert.ErrorIs(t, err, ErrTransformationFailed)
		})
	}
}

func TestPerturb_RejectionStaysDetectable(t *testing.T) {
	mock := &mockChatter{err: errors.Join(engine.ErrRejected, errors.New("content_filter"))}
	_, err := New(mock, "m").Perturb(context.Background(), seattleQuery, nil, 0)
	assert.ErrorIs(t, err, ErrTransformationFailed)
	assert.ErrorIs(t, err, engine.ErrRejected)
}

func TestPerturb_VariantsDiffer(t *testing.T) {
	mock := &mockChatter{response: `{"text":"changed","substitutions":[],"topics":[]}`}
	p := New(mock, "m")

	for v := 0; v < 3; v++ {
		_, err := p.Perturb(context.Background(), seattleQuery, nil, v)
		require.NoError(t, err)
	}
	seeds := map[int]bool{}
	prompts := map[string]bool{}
	for _, req := range mock.requests {
		seeds[*req.Seed] = true
		prompts[req.Messages[0].Content] = true
	}
	assert.Len(t, seeds, 3)
	assert.Len(t, prompts, 3)

	// Retrying a variant reuses its seed.
	_, err := p.Perturb(context.Background(), seattleQuery, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, *mock.requests[1].Seed, *mock.requests[3].Seed)
}
