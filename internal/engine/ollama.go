package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/dejavu/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, req Request) (string, error) {
	msgs := make([]ollama.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	cr := ollama.ChatRequest{Model: req.Model, Messages: msgs}
	if req.Schema != nil {
		cr.Format = req.Schema
	}
	if req.Temperature != nil || req.Seed != nil {
		cr.Options = &ollama.Options{Temperature: req.Temperature, Seed: req.Seed}
	}

	out, err := e.client.Chat(ctx, cr)
	if err != nil {
		return "", classifyOllama(err)
	}
	return out, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text)
	if err != nil {
		return nil, classifyOllama(err)
	}
	return vec, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}

// classifyOllama maps client errors onto ErrUnavailable / ErrRejected.
// Other 4xx responses (unknown model, bad request) are returned as-is.
func classifyOllama(err error) error {
	var se *ollama.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return classifyStatus(se.Code, err)
}

func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusForbidden || code == http.StatusUnavailableForLegalReasons:
		return fmt.Errorf("%w: %w", ErrRejected, err)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return err
	}
}
