package engine

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the provider could not be reached or is overloaded
	// (network failure, timeout, 429, 5xx). Callers may retry.
	ErrUnavailable = errors.New("generation provider unavailable")

	// ErrRejected means the provider refused the content (policy or safety
	// filter). Retrying the same input will not help.
	ErrRejected = errors.New("generation rejected by provider policy")
)

// Engine abstracts an inference backend (a local Ollama server or any
// OpenAI-compatible endpoint). Router, perturbation, summaries, replies and
// embeddings all go through this interface.
type Engine interface {
	// Chat sends the request and returns the assistant's response.
	Chat(ctx context.Context, req Request) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Request is a single chat completion call.
type Request struct {
	Model    string
	Messages []Message
	// Schema requests structured JSON output when non-nil.
	Schema *Schema
	// Temperature and Seed are forwarded when non-nil.
	Temperature *float32
	Seed        *int
}

// Temperature returns a pointer to t for use in Request.
func Temperature(t float32) *float32 { return &t }

// Seed returns a pointer to s for use in Request.
func Seed(s int) *int { return &s }
