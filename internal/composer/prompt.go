package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/dejavu/internal/engine"
)

const defaultMaxContextTokens = 2000

// Insight is an anonymized experience from the public pool.
type Insight struct {
	Summary  string
	Content  string
	Response string
	Score    float32
}

// History is one of the user's own earlier turns.
type History struct {
	Query    string
	Response string
	Score    float32
}

// Composer assembles the reply prompt from the user's messages, an optional
// peer insight and an optional own-history hit.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (2000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

const peerPreamble = `Someone else once described a similar situation. Their details were changed to protect them. Use it only as inspiration: you may say that others have faced something similar, but never present it as the user's own story and never quote identifying details from it.`

const ownPreamble = `The user asked something similar before. This is their own earlier conversation; you may refer to it as such.`

// Compose returns msgs with the enrichment prepended as a system message. If
// msgs already starts with a system message, the enrichment is merged into
// it. Other messages are preserved unchanged. Sections that do not fit the
// token budget are dropped, least important first.
func (c *Composer) Compose(msgs []engine.Message, peer *Insight, own *History) []engine.Message {
	enrichment := c.buildEnrichment(peer, own)
	if enrichment == "" {
		return msgs
	}

	out := make([]engine.Message, 0, len(msgs)+1)
	if len(msgs) > 0 && msgs[0].Role == "system" {
		out = append(out, engine.Message{Role: "system", Content: enrichment + "\n\n---\n\n" + msgs[0].Content})
		out = append(out, msgs[1:]...)
		return out
	}
	out = append(out, engine.Message{Role: "system", Content: enrichment})
	return append(out, msgs...)
}

// buildEnrichment adds sections in priority order while they fit: the peer
// summary, the user's own history, then the fuller peer story.
func (c *Composer) buildEnrichment(peer *Insight, own *History) string {
	var sections []string
	remaining := c.MaxContextTokens

	add := func(s string) {
		if s == "" {
			return
		}
		if t := EstimateTokens(s); t <= remaining {
			sections = append(sections, s)
			remaining -= t
		}
	}

	peerIdx := -1
	if peer != nil && peer.Summary != "" {
		add(fmt.Sprintf("[Similar Experience]\n%s\n\nSummary: %s", peerPreamble, peer.Summary))
		peerIdx = len(sections) - 1
	}
	if own != nil && own.Query != "" {
		add(fmt.Sprintf("[Your Earlier Conversation]\n%s\n\nYou asked: %s\nAnswer given: %s", ownPreamble, own.Query, own.Response))
	}
	if peerIdx >= 0 && peer.Content != "" {
		detail := fmt.Sprintf("\nTheir story: %s", peer.Content)
		if peer.Response != "" {
			detail += fmt.Sprintf("\nWhat helped them: %s", peer.Response)
		}
		if t := EstimateTokens(detail); t <= remaining {
			sections[peerIdx] += detail
			remaining -= t
		}
	}
	return strings.Join(sections, "\n\n")
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
