// Package router decides whether a query is experiential (personal narrative,
// eligible for matching and decoys) or factual (answered directly).
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/dejavu/internal/engine"
	"github.com/kalambet/dejavu/internal/metrics"
	"github.com/kalambet/dejavu/internal/storage"
	"github.com/patrickmn/go-cache"
)

// Route is the closed set of classifications.
type Route = storage.Route

const (
	RouteExperiential = storage.RouteExperiential
	RouteFactual      = storage.RouteFactual
)

// ErrInvalidInput is returned for empty or whitespace-only text.
var ErrInvalidInput = errors.New("router: empty input")

// errUnknownLabel is returned by ParseLabel when the provider's answer maps to no route.
var errUnknownLabel = errors.New("router: unknown label")

const (
	defaultTimeout  = 3 * time.Second
	defaultCacheTTL = 10 * time.Minute
)

// Chatter is the slice of engine.Engine the router needs.
type Chatter interface {
	Chat(ctx context.Context, req engine.Request) (string, error)
}

// Classification is the router's decision for one query.
type Classification struct {
	Route Route
	// Fallback is true when the fail policy chose the route because the
	// provider failed, timed out or answered with an unparseable label.
	Fallback bool
	Reason   string
}

// Config tunes a Router. Zero values take the defaults.
type Config struct {
	Model   string
	Timeout time.Duration
	// FailPolicy is the route used when classification fails.
	FailPolicy Route
	CacheTTL   time.Duration
}

// Router classifies queries with a single structured generation call.
type Router struct {
	client     Chatter
	model      string
	timeout    time.Duration
	failPolicy Route
	cache      *cache.Cache
}

// New creates a Router. An unrecognised FailPolicy falls back to experiential.
func New(client Chatter, cfg Config) *Router {
	r := &Router{
		client:     client,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		failPolicy: cfg.FailPolicy,
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.failPolicy != RouteFactual {
		r.failPolicy = RouteExperiential
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	r.cache = cache.New(ttl, ttl*2)
	return r
}

// Classify returns the route for text. It only errors on empty input; every
// provider problem resolves to the fail policy with Fallback set.
func (r *Router) Classify(ctx context.Context, text string) (Classification, error) {
	norm := normalize(text)
	if norm == "" {
		return Classification{}, ErrInvalidInput
	}

	if isGreeting(norm) {
		c := Classification{Route: RouteFactual, Reason: "greeting"}
		metrics.RecordRoute(string(c.Route), false)
		return c, nil
	}

	key := cacheKey(norm)
	if v, ok := r.cache.Get(key); ok {
		if c, ok := v.(Classification); ok {
			return c, nil
		}
	}

	c, err := r.classify(ctx, text)
	if err != nil {
		slog.Warn("classification failed, applying fail policy",
			"route", r.failPolicy, "query_len", len(text), "error", err)
		c = Classification{Route: r.failPolicy, Fallback: true, Reason: err.Error()}
		metrics.RecordRoute(string(c.Route), true)
		return c, nil
	}

	r.cache.Set(key, c, cache.DefaultExpiration)
	metrics.RecordRoute(string(c.Route), false)
	return c, nil
}

func (r *Router) classify(ctx context.Context, text string) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	raw, err := r.client.Chat(ctx, engine.Request{
		Model:       r.model,
		Messages:    BuildPrompt(text),
		Schema:      labelSchema(),
		Temperature: engine.Temperature(0),
	})
	metrics.ObserveProvider("router", start, err)
	if err != nil {
		return Classification{}, fmt.Errorf("chat: %w", err)
	}

	route, err := ParseLabel(raw)
	if err != nil {
		return Classification{}, err
	}
	return Classification{Route: route, Reason: "classified"}, nil
}

// ParseLabel maps the provider's answer to a Route. It accepts the structured
// {"label": "..."} form and, for models that ignore the schema, a bare word.
func ParseLabel(raw string) (Route, error) {
	raw = strings.TrimSpace(raw)

	var out struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err == nil && out.Label != "" {
		raw = out.Label
	}

	word := strings.ToLower(strings.Trim(raw, " \t\r\n\"'`.,;:!"))
	switch word {
	case "experiential", "personal":
		return RouteExperiential, nil
	case "factual":
		return RouteFactual, nil
	}
	return "", fmt.Errorf("%w: %q", errUnknownLabel, truncate(word, 40))
}

func labelSchema() *engine.Schema {
	no := false
	return &engine.Schema{
		Type: "object",
		Properties: map[string]*engine.Schema{
			"label": {
				Type:        "string",
				Description: "experiential for personal situations, factual for everything else",
				Enum:        []string{string(RouteExperiential), string(RouteFactual)},
			},
		},
		Required:             []string{"label"},
		AdditionalProperties: &no,
	}
}

// normalize lowercases and collapses whitespace so trivially different
// resubmissions share a cache entry.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func cacheKey(norm string) string {
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
