package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a decoy status change is not allowed
// by the PENDING -> {PUBLISHED, DISCARDED} state machine.
var ErrIllegalTransition = errors.New("illegal decoy status transition")

type Route string

const (
	RouteExperiential Route = "experiential"
	RouteFactual      Route = "factual"
)

// Conversation is one chat turn in the owner's private store. Immutable once written.
type Conversation struct {
	ID            string
	OwnerID       string
	SessionID     string
	OriginalQuery string
	AIResponse    string
	Route         Route
	Embedding     []float32 // nil for factual turns
	CreatedAt     time.Time
}

type DecoyStatus string

const (
	DecoyPending   DecoyStatus = "pending"
	DecoyPublished DecoyStatus = "published"
	DecoyDiscarded DecoyStatus = "discarded"
)

// CanTransition reports whether a decoy in status s may move to status to.
// Only pending decoys move, and only to a terminal status.
func (s DecoyStatus) CanTransition(to DecoyStatus) bool {
	return s == DecoyPending && (to == DecoyPublished || to == DecoyDiscarded)
}

// Terminal reports whether s is a final status.
func (s DecoyStatus) Terminal() bool {
	return s == DecoyPublished || s == DecoyDiscarded
}

// Decoy is a perturbed copy of a conversation waiting for the owner's verdict.
type Decoy struct {
	ID             string
	ConversationID string
	Variant        int
	Content        string
	Response       string
	Summary        string
	Topics         []string
	Embedding      []float32
	Status         DecoyStatus
	CreatedAt      time.Time
	ResolvedAt     time.Time // zero while pending
}

// GlobalDecoy is an entry in the public pool. It must never carry anything
// that links it back to an owner, a session or a source conversation.
type GlobalDecoy struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Response  string    `json:"response"`
	Summary   string    `json:"summary"`
	Topics    []string  `json:"topics"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type FeedbackOutcome string

const (
	OutcomePublished FeedbackOutcome = "published"
	OutcomeDiscarded FeedbackOutcome = "discarded"
	OutcomeNoPending FeedbackOutcome = "no_pending"
	OutcomeDeferred  FeedbackOutcome = "deferred"
)

// Feedback is the single recorded verdict for a conversation.
type Feedback struct {
	ConversationID string
	Helpful        bool
	Outcome        FeedbackOutcome
	Published      int
	Discarded      int
	SubmittedAt    time.Time
}

// DecoyCounts tallies a conversation's decoys by status.
type DecoyCounts struct {
	Pending   int `json:"pending"`
	Published int `json:"published"`
	Discarded int `json:"discarded"`
}

type Job struct {
	ID          string
	Type        string
	RefID       string // entity the job works on, e.g. a conversation ID
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
