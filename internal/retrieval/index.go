package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/dejavu/internal/storage"
)

// Scope selects which store a search runs over. The private store is only
// ever searched for a single owner.
type Scope struct {
	public  bool
	ownerID string
}

// Public scopes a search to the anonymized pool.
func Public() Scope { return Scope{public: true} }

// Private scopes a search to one owner's own conversations.
func Private(ownerID string) Scope { return Scope{ownerID: ownerID} }

func (s Scope) IsPublic() bool { return s.public }

func (s Scope) String() string {
	if s.public {
		return "public"
	}
	return "private"
}

// Candidate is a search hit. Full records are fetched by the caller only for
// the candidates it keeps.
type Candidate struct {
	ID        string
	Score     float32
	CreatedAt time.Time
}

// Index performs brute-force cosine search over embeddings stored in SQLite.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an open database whose schema has been migrated by storage.Open.
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Search returns up to topK candidates in scope ordered by descending score.
// Equal scores are ordered by earliest created_at, then by ID, so results are
// deterministic. Rows with no embedding are skipped.
func (ix *Index) Search(ctx context.Context, scope Scope, vector []float32, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	err := ix.scan(ctx, scope, vector, func(id string, score float32, createdAt string) error {
		if h.Len() >= topK && score < (*h)[0].Score {
			return nil
		}
		c, err := newCandidate(id, score, createdAt)
		if err != nil {
			return err
		}
		if h.Len() < topK {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	return out, nil
}

// BandHit is the best candidate of one score band.
type BandHit struct {
	Band int
	Candidate
}

// SearchBands returns the best candidate of every score band in a single
// scan. floors must be descending: band i holds scores in
// [floors[i], floors[i-1]) and band 0 has no upper bound. Scores below the
// last floor are ignored. Empty bands are omitted and hits come back in band
// order. Ties are broken as in Search.
func (ix *Index) SearchBands(ctx context.Context, scope Scope, vector []float32, floors []float32) ([]BandHit, error) {
	if len(floors) == 0 {
		return nil, nil
	}

	best := make([]*Candidate, len(floors))
	err := ix.scan(ctx, scope, vector, func(id string, score float32, createdAt string) error {
		band := -1
		for i, f := range floors {
			if score >= f {
				band = i
				break
			}
		}
		if band < 0 {
			return nil
		}
		cur := best[band]
		if cur != nil && score < cur.Score {
			return nil
		}
		c, err := newCandidate(id, score, createdAt)
		if err != nil {
			return err
		}
		if cur == nil || worse(*cur, c) {
			best[band] = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []BandHit
	for i, c := range best {
		if c != nil {
			out = append(out, BandHit{Band: i, Candidate: *c})
		}
	}
	return out, nil
}

// scan calls visit with the cosine score of every embedded row in scope.
func (ix *Index) scan(ctx context.Context, scope Scope, vector []float32, visit func(id string, score float32, createdAt string) error) error {
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil
	}
	if !scope.public && scope.ownerID == "" {
		return fmt.Errorf("private search requires an owner")
	}

	var rows *sql.Rows
	var err error
	if scope.public {
		rows, err = ix.db.QueryContext(ctx, `SELECT id, embedding, created_at FROM global_decoys WHERE embedding IS NOT NULL`)
	} else {
		rows, err = ix.db.QueryContext(ctx, `SELECT id, embedding, created_at FROM conversations
			WHERE owner_id = ? AND embedding IS NOT NULL`, scope.ownerID)
	}
	if err != nil {
		return fmt.Errorf("querying %s vectors: %w", scope, err)
	}
	defer rows.Close()

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, createdAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if err := visit(id, dotProduct(vector, buf, queryNorm), createdAt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating rows: %w", err)
	}
	return nil
}

func newCandidate(id string, score float32, createdAt string) (Candidate, error) {
	t, err := storage.ParseTimestamp(createdAt)
	if err != nil {
		return Candidate{}, fmt.Errorf("parsing created_at for %s: %w", id, err)
	}
	return Candidate{ID: id, Score: score, CreatedAt: t}, nil
}

// worse reports whether a ranks below b.
func worse(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// candidateHeap is a min-heap with the worst-ranked candidate at the root.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
