package composer

import (
	"strings"
	"testing"

	"github.com/kalambet/dejavu/internal/engine"
)

func userMsg(content string) engine.Message {
	return engine.Message{Role: "user", Content: content}
}

func TestCompose_NothingToAdd(t *testing.T) {
	c := New(4000)
	msgs := []engine.Message{userMsg("hello")}

	out := c.Compose(msgs, nil, nil)
	if len(out) != 1 || out[0] != msgs[0] {
		t.Fatalf("messages changed without enrichment: %+v", out)
	}

	out = c.Compose(msgs, &Insight{}, &History{})
	if len(out) != 1 {
		t.Fatalf("empty insight and history should add nothing, got %d messages", len(out))
	}
}

func TestCompose_PeerInsight(t *testing.T) {
	c := New(4000)
	out := c.Compose([]engine.Message{userMsg("I feel burnt out")}, &Insight{
		Summary:  "A developer in Austin is worn out.",
		Content:  "I'm a 31 year old developer in Austin and I'm exhausted.",
		Response: "Taking a sabbatical helped.",
	}, nil)

	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].Role != "system" {
		t.Fatalf("expected system message first, got %q", out[0].Role)
	}
	for _, want := range []string{"worn out", "developer in Austin", "sabbatical", "never present it as the user's own"} {
		if !strings.Contains(out[0].Content, want) {
			t.Errorf("system message missing %q: %s", want, out[0].Content)
		}
	}
	if out[1].Content != "I feel burnt out" {
		t.Errorf("user message changed: %q", out[1].Content)
	}
}

func TestCompose_OwnHistoryLabelled(t *testing.T) {
	c := New(4000)
	out := c.Compose([]engine.Message{userMsg("q")}, nil, &History{Query: "earlier question", Response: "earlier answer"})

	sys := out[0].Content
	if !strings.Contains(sys, "[Your Earlier Conversation]") || !strings.Contains(sys, "earlier question") {
		t.Errorf("own history not labelled as the user's: %s", sys)
	}
	if strings.Contains(sys, "[Similar Experience]") {
		t.Errorf("own history must not appear as a peer experience: %s", sys)
	}
}

func TestCompose_ExistingSystemMessage(t *testing.T) {
	c := New(4000)
	msgs := []engine.Message{
		{Role: "system", Content: "You are a supportive assistant."},
		userMsg("help me"),
	}

	out := c.Compose(msgs, &Insight{Summary: "someone coped"}, nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages (merged system + user), got %d", len(out))
	}
	if !strings.Contains(out[0].Content, "someone coped") {
		t.Errorf("missing insight in merged system message: %s", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "supportive assistant") {
		t.Errorf("original system message lost after merge: %s", out[0].Content)
	}
	if out[1].Content != "help me" {
		t.Errorf("user message changed: %q", out[1].Content)
	}
	if msgs[0].Content != "You are a supportive assistant." {
		t.Error("input slice was modified")
	}
}

func TestCompose_TokenBudgetDropsDetailFirst(t *testing.T) {
	peer := &Insight{Summary: "short summary", Content: strings.Repeat("x", 2000)}
	own := &History{Query: "mine", Response: "answer"}

	out := New(200).Compose([]engine.Message{userMsg("q")}, peer, own)
	sys := out[0].Content
	if !strings.Contains(sys, "short summary") || !strings.Contains(sys, "mine") {
		t.Errorf("summary and own history should fit: %s", sys)
	}
	if strings.Contains(sys, "xxxx") {
		t.Error("oversized peer story should be dropped")
	}
	if EstimateTokens(sys) > 200 {
		t.Errorf("system message exceeds token budget: %d tokens", EstimateTokens(sys))
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"hello world", 3},
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		got := EstimateTokens(tt.input)
		if got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
