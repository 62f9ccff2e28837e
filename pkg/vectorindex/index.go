// Package vectorindex implements the in-process similarity index: dense
// normalized vectors searched by inner product, persisted per document as a
// manifest, a chunk file, and a vector file written atomically.
package vectorindex

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

// Normalize scales v to unit L2 length in place and returns it. The zero
// vector is left untouched.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Dot is the inner product of two equal-length vectors. On normalized
// vectors it equals cosine similarity.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Search returns the k chunks of idx most similar to query, highest score
// first, ties broken by lower ordinal. A k larger than the index returns
// everything; an empty index returns nothing.
func Search(idx *domain.DocumentIndex, query []float32, k int) ([]domain.SearchHit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", domain.ErrBadInput, k)
	}
	if len(idx.Vectors) == 0 {
		return nil, nil
	}
	if len(query) != idx.Dim {
		return nil, fmt.Errorf("%w: query dimension %d does not match index dimension %d",
			domain.ErrBadInput, len(query), idx.Dim)
	}
	if k > len(idx.Vectors) {
		k = len(idx.Vectors)
	}

	// Bounded min-heap keeps the selection O(n log k).
	h := &hitHeap{}
	heap.Init(h)
	for i, vec := range idx.Vectors {
		hit := domain.SearchHit{Chunk: idx.Chunks[i], Score: Dot(query, vec)}
		if h.Len() < k {
			heap.Push(h, hit)
		} else if worse((*h)[0], hit) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}

	hits := make([]domain.SearchHit, h.Len())
	copy(hits, *h)
	sort.Slice(hits, func(i, j int) bool { return worse(hits[j], hits[i]) })
	return hits, nil
}

// worse reports whether a ranks strictly below b: lower score, or equal
// score with a higher ordinal.
func worse(a, b domain.SearchHit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Chunk.Ordinal > b.Chunk.Ordinal
}

type hitHeap []domain.SearchHit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(domain.SearchHit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Validate checks the structural invariants of an index: parallel chunks and
// vectors, a single dimension throughout, and ordinals matching positions.
func Validate(idx *domain.DocumentIndex) error {
	if len(idx.Chunks) != len(idx.Vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors",
			domain.ErrIndexUnavailable, len(idx.Chunks), len(idx.Vectors))
	}
	for i, vec := range idx.Vectors {
		if len(vec) != idx.Dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d",
				domain.ErrIndexUnavailable, i, len(vec), idx.Dim)
		}
		if idx.Chunks[i].Ordinal != i {
			return fmt.Errorf("%w: chunk at position %d has ordinal %d",
				domain.ErrIndexUnavailable, i, idx.Chunks[i].Ordinal)
		}
	}
	return nil
}

// FileFingerprint is the stable content identity of a document: the first
// 16 hex characters of the file's SHA-256. Cache directories are keyed by
// it, so re-uploaded bytes never serve a stale index.
func FileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
