// Package perturb rewrites a personal query into a plausible "parallel
// universe" variant by swapping identifying details, and keeps the matching
// reply consistent with the swap.
package perturb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/metrics"
)

// ErrTransformationFailed is returned when no usable rewrite was produced.
var ErrTransformationFailed = errors.New("perturbation failed")

// Category is a kind of identifying detail that gets masked.
type Category string

const (
	CategoryLocation   Category = "location"
	CategoryAgeDate    Category = "age_date"
	CategoryProfession Category = "profession"
)

// AllCategories returns every maskable category.
func AllCategories() []Category {
	return []Category{CategoryLocation, CategoryAgeDate, CategoryProfession}
}

func (c Category) valid() bool {
	switch c {
	case CategoryLocation, CategoryAgeDate, CategoryProfession:
		return true
	}
	return false
}

// Substitution records one swapped detail.
type Substitution struct {
	Original    string   `json:"original"`
	Replacement string   `json:"replacement"`
	Category    Category `json:"category"`
}

// Result is a rewritten text plus what was swapped to produce it.
type Result struct {
	Text          string
	Substitutions []Substitution
	Topics        []string
}

const maxTopics = 5

// Chatter is the slice of engine.Engine the perturber needs.
type Chatter interface {
	Chat(ctx context.Context, req engine.Request) (string, error)
}

// Perturber performs one structured generation call per rewrite.
type Perturber struct {
	client Chatter
	model  string
}

// New creates a Perturber using the given chat client and model name.
func New(client Chatter, model string) *Perturber {
	return &Perturber{client: client, model: model}
}

type rawResult struct {
	Text          string         `json:"text"`
	Substitutions []Substitution `json:"substitutions"`
	Topics        []string       `json:"topics"`
}

// Perturb rewrites text, replacing each detail of the given categories with a
// same-kind alternative. Distinct variants use distinct diversity profiles and
// seeds. An empty categories slice masks everything.
func (p *Perturber) Perturb(ctx context.Context, text string, categories []Category, variant int) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: empty input", ErrTransformationFailed)
	}
	if len(categories) == 0 {
		categories = AllCategories()
	}
	allowed := make(map[Category]bool, len(categories))
	for _, c := range categories {
		if !c.valid() {
			return Result{}, fmt.Errorf("%w: unknown category %q", ErrTransformationFailed, c)
		}
		allowed[c] = true
	}

	prof := profileFor(variant)
	start := time.Now()
	raw, err := p.client.Chat(ctx, engine.Request{
		Model:       p.model,
		Messages:    BuildPrompt(text, categories, variant),
		Schema:      resultSchema(categories),
		Temperature: engine.Temperature(prof.temperature),
		Seed:        engine.Seed(seedFor(text, variant)),
	})
	metrics.ObserveProvider("perturb", start, err)
	if err != nil {
		if errors.Is(err, engine.ErrRejected) {
			metrics.RecordPolicyViolation("perturb")
		}
		return Result{}, fmt.Errorf("%w: %w", ErrTransformationFailed, err)
	}

	var out rawResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return Result{}, fmt.Errorf("%w: decoding output: %w", ErrTransformationFailed, err)
	}

	subs := cleanSubstitutions(out.Substitutions, allowed)
	// FixLeaks catches originals the model left in its own rewrite.
	result := Result{
		Text:          strings.TrimSpace(FixLeaks(out.Text, subs)),
		Substitutions: subs,
		Topics:        cleanTopics(out.Topics),
	}
	if result.Text == "" {
		return Result{}, fmt.Errorf("%w: empty output", ErrTransformationFailed)
	}
	if result.Text == strings.TrimSpace(text) {
		return Result{}, fmt.Errorf("%w: output identical to input", ErrTransformationFailed)
	}

	slog.Debug("perturbed text",
		"variant", variant, "substitutions", len(subs), "input_len", len(text), "output_len", len(result.Text))
	return result, nil
}

// cleanSubstitutions drops no-op, empty and out-of-scope entries and removes
// duplicates by original (first wins), keeping model order.
func cleanSubstitutions(in []Substitution, allowed map[Category]bool) []Substitution {
	seen := make(map[string]bool, len(in))
	out := make([]Substitution, 0, len(in))
	for _, s := range in {
		s.Original = strings.TrimSpace(s.Original)
		s.Replacement = strings.TrimSpace(s.Replacement)
		if s.Original == "" || s.Replacement == "" || strings.EqualFold(s.Original, s.Replacement) {
			continue
		}
		if !allowed[s.Category] {
			continue
		}
		key := strings.ToLower(s.Original)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func cleanTopics(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxTopics {
			break
		}
	}
	sort.Strings(out)
	return out
}

// seedFor is stable per (text, variant) so a retried variant explores the
// same alternative while sibling variants diverge.
func seedFor(text string, variant int) int {
	h := fnv.New32a()
	h.Write([]byte(text))
	return int(h.Sum32()&0x7fffffff) ^ (variant * 7919)
}

func resultSchema(categories []Category) *engine.Schema {
	enum := make([]string, len(categories))
	for i, c := range categories {
		enum[i] = string(c)
	}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]*engine.Schema{
			"text": {Type: "string", Description: "The rewritten message"},
			"substitutions": {
				Type:        "array",
				Description: "Every detail that was replaced",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]*engine.Schema{
						"original":    {Type: "string", Description: "Exact text as it appears in the input"},
						"replacement": {Type: "string", Description: "The alternative used in the rewrite"},
						"category":    {Type: "string", Enum: enum},
					},
					Required: []string{"original", "replacement", "category"},
				},
			},
			"topics": {
				Type:        "array",
				Description: "Up to five abstract topic tags, no names or places",
				Items:       &engine.Schema{Type: "string"},
			},
		},
		Required: []string{"text", "substitutions", "topics"},
	}
}
