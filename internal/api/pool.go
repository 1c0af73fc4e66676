package api

import (
	"context"
	"fmt"

	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/storage"
)

// PoolHit is a pool entry returned by a free-text pool search.
type PoolHit struct {
	storage.GlobalDecoy
	Score float32 `json:"score"`
}

// PoolSearcher runs free-text searches over the public pool.
type PoolSearcher interface {
	Search(ctx context.Context, text string, limit int) ([]PoolHit, error)
}

// PoolRecords loads pool entries by ID.
type PoolRecords interface {
	GetGlobalDecoysByIDs(ctx context.Context, ids []string) ([]storage.GlobalDecoy, error)
}

// PoolSearch embeds the text and ranks pool entries by similarity. It never
// touches the private store.
type PoolSearch struct {
	embedder retrieval.TextEmbedder
	index    *retrieval.Index
	records  PoolRecords
}

func NewPoolSearch(embedder retrieval.TextEmbedder, index *retrieval.Index, records PoolRecords) *PoolSearch {
	return &PoolSearch{embedder: embedder, index: index, records: records}
}

func (ps *PoolSearch) Search(ctx context.Context, text string, limit int) ([]PoolHit, error) {
	vec, err := ps.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	candidates, err := ps.index.Search(ctx, retrieval.Public(), vec, limit)
	if err != nil {
		return nil, fmt.Errorf("searching pool: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	decoys, err := ps.records.GetGlobalDecoysByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading pool entries: %w", err)
	}
	byID := make(map[string]storage.GlobalDecoy, len(decoys))
	for _, d := range decoys {
		byID[d.ID] = d
	}

	hits := make([]PoolHit, 0, len(candidates))
	for _, c := range candidates {
		d, ok := byID[c.ID]
		if !ok {
			continue
		}
		hits = append(hits, PoolHit{GlobalDecoy: d, Score: c.Score})
	}
	return hits, nil
}
