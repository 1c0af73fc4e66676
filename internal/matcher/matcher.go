// Package matcher finds a peer insight in the public pool for a query
// embedding, sampling across similarity tiers so users see near matches most
// of the time and looser, surprising ones some of the time.
package matcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kalambet/dejavu/internal/metrics"
	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Tier is a similarity band.
type Tier string

const (
	TierPrecision Tier = "precision"
	TierDiscovery Tier = "discovery"
	TierSurprise  Tier = "surprise"
)

// tierOrder fixes iteration order so sampling is reproducible under a seeded source.
var tierOrder = []Tier{TierPrecision, TierDiscovery, TierSurprise}

// tierFloors are the band floors of tierOrder, for Searcher.SearchBands.
var tierFloors = []float32{PrecisionThreshold, DiscoveryThreshold, SurpriseThreshold}

// Lower bounds (inclusive) of each tier. Scores below Surprise never match.
const (
	PrecisionThreshold float32 = 0.85
	DiscoveryThreshold float32 = 0.70
	SurpriseThreshold  float32 = 0.60
)

// TierFor returns the tier of a score, or false when it is below every tier.
func TierFor(score float32) (Tier, bool) {
	switch {
	case score >= PrecisionThreshold:
		return TierPrecision, true
	case score >= DiscoveryThreshold:
		return TierDiscovery, true
	case score >= SurpriseThreshold:
		return TierSurprise, true
	}
	return "", false
}

// Weights are the relative sampling weights of the tiers.
type Weights struct {
	Precision float64
	Discovery float64
	Surprise  float64
}

// DefaultWeights favours close matches.
func DefaultWeights() Weights {
	return Weights{Precision: 0.6, Discovery: 0.3, Surprise: 0.1}
}

func (w Weights) of(t Tier) float64 {
	switch t {
	case TierPrecision:
		return w.Precision
	case TierDiscovery:
		return w.Discovery
	default:
		return w.Surprise
	}
}

// Validate requires every weight to be positive.
func (w Weights) Validate() error {
	for _, t := range tierOrder {
		if !(w.of(t) > 0) {
			return fmt.Errorf("matcher: %s weight must be > 0, got %v", t, w.of(t))
		}
	}
	return nil
}

// PeerInsight is an anonymized pool entry similar to the query.
type PeerInsight struct {
	Decoy storage.GlobalDecoy
	Score float32
	Tier  Tier
}

// OwnHistory is one of the caller's own earlier conversations. It is never
// presented as someone else's experience.
type OwnHistory struct {
	Conversation storage.Conversation
	Score        float32
}

// MatchResult holds whatever was found. At least one field is set.
type MatchResult struct {
	PeerInsight *PeerInsight
	OwnHistory  *OwnHistory
}

// Searcher runs nearest-neighbour search over one scope.
type Searcher interface {
	Search(ctx context.Context, scope retrieval.Scope, vector []float32, topK int) ([]retrieval.Candidate, error)
	SearchBands(ctx context.Context, scope retrieval.Scope, vector []float32, floors []float32) ([]retrieval.BandHit, error)
}

// Records loads full rows for the candidates a search kept.
type Records interface {
	GetGlobalDecoysByIDs(ctx context.Context, ids []string) ([]storage.GlobalDecoy, error)
	GetConversationsByIDs(ctx context.Context, ownerID string, ids []string) ([]storage.Conversation, error)
}

// Config tunes a Matcher. Zero values take the defaults. TopK bounds the
// own-history search; tier sampling always sees every tier's best entry.
type Config struct {
	TopK    int
	Weights Weights
}

const defaultTopK = 20

// Option configures a Matcher.
type Option func(*Matcher)

// WithRand sets the random source used for tier sampling.
func WithRand(r *rand.Rand) Option {
	return func(m *Matcher) { m.rng = r }
}

// Matcher performs tiered similarity search over the private store and the public pool.
type Matcher struct {
	index   Searcher
	records Records
	topK    int
	weights Weights

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Matcher. It fails when a weight is not positive.
func New(index Searcher, records Records, cfg Config, opts ...Option) (*Matcher, error) {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	m := &Matcher{
		index:   index,
		records: records,
		topK:    cfg.TopK,
		weights: cfg.Weights,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		now := uint64(time.Now().UnixNano())
		m.rng = rand.New(rand.NewPCG(now, now>>1|1))
	}
	return m, nil
}

// Search returns a peer insight sampled across tiers and the caller's best
// own-history hit. It returns nil when nothing reaches the lowest tier.
// ownerID may be empty, in which case only the pool is searched.
func (m *Matcher) Search(ctx context.Context, embedding []float32, ownerID string) (*MatchResult, error) {
	start := time.Now()
	if len(embedding) == 0 {
		metrics.RecordMatch("none", time.Since(start))
		return nil, nil
	}

	var public []retrieval.BandHit
	var private []retrieval.Candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		public, err = m.index.SearchBands(gctx, retrieval.Public(), embedding, tierFloors)
		return err
	})
	if ownerID != "" {
		g.Go(func() error {
			var err error
			private, err = m.index.Search(gctx, retrieval.Private(ownerID), embedding, m.topK)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("searching candidates: %w", err)
	}

	result := &MatchResult{}

	if tier, c, ok := m.pick(public); ok {
		decoys, err := m.records.GetGlobalDecoysByIDs(ctx, []string{c.ID})
		if err != nil {
			return nil, fmt.Errorf("loading pool entry: %w", err)
		}
		if len(decoys) == 1 {
			result.PeerInsight = &PeerInsight{Decoy: decoys[0], Score: c.Score, Tier: tier}
		}
	}

	// Candidates arrive best first.
	if len(private) > 0 && private[0].Score >= SurpriseThreshold {
		convs, err := m.records.GetConversationsByIDs(ctx, ownerID, []string{private[0].ID})
		if err != nil {
			return nil, fmt.Errorf("loading own history: %w", err)
		}
		if len(convs) == 1 {
			result.OwnHistory = &OwnHistory{Conversation: convs[0], Score: private[0].Score}
		}
	}

	switch {
	case result.PeerInsight != nil:
		metrics.RecordMatch(string(result.PeerInsight.Tier), time.Since(start))
	case result.OwnHistory != nil:
		metrics.RecordMatch("own_history", time.Since(start))
	default:
		metrics.RecordMatch("none", time.Since(start))
		return nil, nil
	}
	return result, nil
}

// pick samples a non-empty tier with renormalized weights and returns that
// tier's top candidate.
func (m *Matcher) pick(hits []retrieval.BandHit) (Tier, retrieval.Candidate, bool) {
	top := make(map[Tier]retrieval.Candidate, len(tierOrder))
	for _, h := range hits {
		if h.Band < 0 || h.Band >= len(tierOrder) {
			continue
		}
		top[tierOrder[h.Band]] = h.Candidate
	}
	if len(top) == 0 {
		return "", retrieval.Candidate{}, false
	}

	var total float64
	for _, t := range tierOrder {
		if _, ok := top[t]; ok {
			total += m.weights.of(t)
		}
	}

	m.mu.Lock()
	x := m.rng.Float64() * total
	m.mu.Unlock()

	var chosen Tier
	for _, t := range tierOrder {
		if _, ok := top[t]; !ok {
			continue
		}
		chosen = t
		x -= m.weights.of(t)
		if x < 0 {
			break
		}
	}
	return chosen, top[chosen], true
}
