// Package chunker splits document text into overlapping chunks for
// embedding. Splitting is recursive over an ordered separator list so chunk
// boundaries land on paragraph, line, or sentence breaks where possible, and
// deterministic for a given input and parameter tuple.
package chunker

import (
	"fmt"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

// separators in preference order: paragraph break, line break, sentence
// boundary, word boundary. The empty string stands for a hard character cut
// and is implicit in the fallback path.
var separators = []string{"\n\n", "\n", ". ", " "}

type Service struct{}

func New() *Service {
	return &Service{}
}

// Split produces chunks of at most params.ChunkSize characters. Each chunk
// starts at most ChunkSize-Overlap characters after the previous one's
// start, so adjacent chunks share at least Overlap characters and any span
// no longer than Overlap survives intact in some chunk. Chunk text is an
// exact substring of the input; CharOffset is its rune offset.
func (s *Service) Split(documentID, text string, params domain.ChunkParams) ([]domain.Chunk, error) {
	if params.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrBadInput, params.ChunkSize)
	}
	if params.Overlap < 0 || params.Overlap >= params.ChunkSize {
		return nil, fmt.Errorf("%w: overlap must be in [0, chunk_size), got %d", domain.ErrBadInput, params.Overlap)
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	size := params.ChunkSize
	overlap := params.Overlap
	step := size - overlap

	// A chunk must be full enough that advancing never skips text and the
	// retained overlap region fits inside it.
	minFill := size / 2
	if minFill <= overlap {
		minFill = overlap + 1
	}

	var chunks []domain.Chunk
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = cutPoint(runes, start, end, minFill)
		}

		chunks = append(chunks, domain.Chunk{
			ID:         domain.ChunkID(documentID, len(chunks)),
			DocumentID: documentID,
			Ordinal:    len(chunks),
			Text:       string(runes[start:end]),
			CharOffset: start,
		})

		if end == len(runes) {
			break
		}
		next := start + step
		if back := end - overlap; back < next {
			next = back
		}
		start = next
	}
	return chunks, nil
}

// cutPoint picks where the chunk ending at nominal position limit should
// actually stop. The first separator tier with an occurrence in
// [start+minFill, limit] wins; without one the cut is a hard character cut
// at limit.
func cutPoint(runes []rune, start, limit, minFill int) int {
	earliest := start + minFill
	for _, sep := range separators {
		if p := lastBoundary(runes, sep, earliest, limit); p > 0 {
			return p
		}
	}
	return limit
}

// lastBoundary returns the position just after the last occurrence of sep
// whose end falls within (earliest, limit], or 0 when there is none.
func lastBoundary(runes []rune, sep string, earliest, limit int) int {
	sepRunes := []rune(sep)
	n := len(sepRunes)
	for end := limit; end > earliest; end-- {
		if end-n < 0 {
			break
		}
		if equalRunes(runes[end-n:end], sepRunes) {
			return end
		}
	}
	return 0
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
