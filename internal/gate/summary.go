package gate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/metrics"
	"github.com/kalambet/dejavu/internal/storage"
)

const summaryPrompt = `You write one-paragraph synopses for an anonymous library of personal experiences. Compress the user's message into at most two short sentences that capture the situation and the core problem. Do not add names, places, ages or any detail that is not in the message. Output ONLY the synopsis.`

const maxSummaryRunes = 200

// Summarize returns a short synopsis of the decoy's (already perturbed)
// content. When the provider keeps failing it falls back to Extractive, so
// the result is empty only for empty content.
func (g *Gate) Summarize(ctx context.Context, d storage.Decoy) string {
	var out string
	err := engine.Retry(ctx, g.retry, func(ctx context.Context) error {
		start := time.Now()
		raw, err := g.client.Chat(ctx, engine.Request{
			Model: g.model,
			Messages: []engine.Message{
				{Role: "system", Content: summaryPrompt},
				{Role: "user", Content: d.Content},
			},
			Temperature: engine.Temperature(0.2),
		})
		metrics.ObserveProvider("summary", start, err)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(raw)
		if out == "" {
			return fmt.Errorf("empty summary")
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("summary generation failed, using extractive fallback",
			"decoy_id", d.ID, "error", err)
		return Extractive(d.Content)
	}
	return truncateRunes(out, maxSummaryRunes)
}

// Extractive returns the first sentence of text, at most 200 runes.
func Extractive(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	runes := []rune(text)
	for i, r := range runes {
		if isSentenceEnd(r) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1]) || r > unicode.MaxASCII) {
			return truncateRunes(string(runes[:i+1]), maxSummaryRunes)
		}
	}
	return truncateRunes(text, maxSummaryRunes)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
