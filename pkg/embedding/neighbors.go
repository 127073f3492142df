package embedding

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/similarity"
)

// DefaultNeighbors is the default K for nearest-neighbour search.
const DefaultNeighbors = 100

// Neighbor is one search hit.
type Neighbor struct {
	Index      int
	Similarity float64
}

type posting struct {
	doc    int
	weight float64
}

// Index is an inverted index over l2-normalized vectors; the dot product of
// two indexed vectors is their cosine similarity.
type Index struct {
	vectors  []similarity.Vector
	postings map[int][]posting
}

// NewIndex indexes vectors by position.
func NewIndex(vectors []similarity.Vector) *Index {
	postings := make(map[int][]posting)
	for doc, vec := range vectors {
		for i, term := range vec.Indices {
			postings[term] = append(postings[term], posting{doc: doc, weight: vec.Values[i]})
		}
	}
	return &Index{vectors: vectors, postings: postings}
}

func (idx *Index) Len() int {
	return len(idx.vectors)
}

// Search returns up to k documents with positive similarity to query, best
// first, ties broken by index. exclude is skipped (pass -1 for none).
func (idx *Index) Search(query similarity.Vector, k, exclude int) []Neighbor {
	if k <= 0 || query.Len() == 0 {
		return nil
	}
	scores := make(map[int]float64)
	for i, term := range query.Indices {
		for _, p := range idx.postings[term] {
			if p.doc == exclude {
				continue
			}
			scores[p.doc] += query.Values[i] * p.weight
		}
	}

	hits := make([]Neighbor, 0, len(scores))
	for doc, s := range scores {
		if s > 0 {
			hits = append(hits, Neighbor{Index: doc, Similarity: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Index < hits[j].Index
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// TopK runs Search for every indexed vector against the rest, fanning out
// over workers goroutines (GOMAXPROCS when workers <= 0).
func (idx *Index) TopK(ctx context.Context, k, workers int) ([][]Neighbor, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([][]Neighbor, len(idx.vectors))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for doc := range idx.vectors {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[doc] = idx.Search(idx.vectors[doc], k, doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
