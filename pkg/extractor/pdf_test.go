package extractor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

func TestExtract_MissingFile(t *testing.T) {
	s := New()
	_, err := s.Extract(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtractFailed)
	assert.Contains(t, err.Error(), "file not found")
}

func TestLowYield(t *testing.T) {
	tests := []struct {
		name  string
		pages []string
		want  bool
	}{
		{
			name:  "empty pages",
			pages: []string{"", ""},
			want:  true,
		},
		{
			name:  "sparse text",
			pages: []string{"a few words", ""},
			want:  true,
		},
		{
			name:  "dense text",
			pages: []string{strings.Repeat("words on a page ", 20)},
			want:  false,
		},
		{
			name:  "one dense page among empties",
			pages: []string{strings.Repeat("x", 150), "", ""},
			want:  true,
		},
		{
			name:  "no pages",
			pages: nil,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &domain.Extraction{Pages: tt.pages, NumPages: len(tt.pages)}
			assert.Equal(t, tt.want, LowYield(e))
		})
	}
}

func TestSearchPages(t *testing.T) {
	e := &domain.Extraction{
		Pages: []string{
			"The capital of Freedonia is Fredonia City. It sits on a river.",
			"Fredonia City has a famous bridge. The city grew around it.",
		},
		NumPages: 2,
	}

	t.Run("case insensitive", func(t *testing.T) {
		matches := SearchPages(e, "fredonia city", false, 0)
		require.Len(t, matches, 2)
		assert.Equal(t, 1, matches[0].Page)
		assert.Equal(t, 2, matches[1].Page)
		assert.Contains(t, matches[0].Snippet, "Fredonia City")
	})

	t.Run("case sensitive", func(t *testing.T) {
		matches := SearchPages(e, "fredonia city", true, 0)
		assert.Empty(t, matches)

		matches = SearchPages(e, "Fredonia City", true, 0)
		assert.Len(t, matches, 2)
	})

	t.Run("multiple occurrences on one page", func(t *testing.T) {
		doc := &domain.Extraction{Pages: []string{"ab ... ab ... ab"}, NumPages: 1}
		matches := SearchPages(doc, "ab", true, 0)
		require.Len(t, matches, 3)
		assert.Equal(t, 0, matches[0].Offset)
		assert.Equal(t, 7, matches[1].Offset)
		assert.Equal(t, 14, matches[2].Offset)
	})

	t.Run("limit", func(t *testing.T) {
		doc := &domain.Extraction{Pages: []string{strings.Repeat("hit ", 50)}, NumPages: 1}
		matches := SearchPages(doc, "hit", true, 10)
		assert.Len(t, matches, 10)
	})

	t.Run("empty needle", func(t *testing.T) {
		assert.Nil(t, SearchPages(e, "", false, 0))
	})
}

func TestSnippet_Bounds(t *testing.T) {
	page := strings.Repeat("a", 50) + "NEEDLE" + strings.Repeat("b", 50)

	got := snippet(page, 50, 6)
	assert.Equal(t, page, got, "short page returns everything")

	long := strings.Repeat("a", 500) + "NEEDLE" + strings.Repeat("b", 500)
	got = snippet(long, 500, 6)
	assert.Len(t, got, 100+6+100)
	assert.Contains(t, got, "NEEDLE")
}

func TestAssemble(t *testing.T) {
	text := assemble([]string{"first page", "second page"})
	assert.Contains(t, text, "--- Page 1 ---\nfirst page")
	assert.Contains(t, text, "--- Page 2 ---\nsecond page")
	assert.Equal(t, 1, strings.Count(text, "\n\n"))
}

func TestTextQuality(t *testing.T) {
	assert.Equal(t, 0.0, textQuality(""))
	assert.Equal(t, 0.0, textQuality("   \n\t "))

	clean := textQuality("This is a perfectly ordinary paragraph of extracted text, with punctuation.")
	assert.GreaterOrEqual(t, clean, goodQuality)

	garbage := textQuality(strings.Repeat("�", 200))
	assert.Less(t, garbage, usableQuality)

	assert.Greater(t, clean, garbage)
}
