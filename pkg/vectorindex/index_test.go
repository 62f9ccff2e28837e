package vectorindex

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

func testIndex() *domain.DocumentIndex {
	// Unit vectors at known angles from the query axis (1, 0).
	angles := []float64{0.9, 0.1, 0.5, 0.3}
	idx := &domain.DocumentIndex{
		DocumentID:  "doc",
		EmbedderID:  "test-model@2",
		Params:      domain.ChunkParams{ChunkSize: 1000, Overlap: 200},
		Dim:         2,
		Fingerprint: "abcdef0123456789",
	}
	for i, a := range angles {
		idx.Chunks = append(idx.Chunks, domain.Chunk{
			ID:         domain.ChunkID("doc", i),
			DocumentID: "doc",
			Ordinal:    i,
			Text:       fmt.Sprintf("chunk %d", i),
			CharOffset: i * 800,
		})
		idx.Vectors = append(idx.Vectors, []float32{
			float32(math.Cos(a)), float32(math.Sin(a)),
		})
	}
	return idx
}

func TestSearch_Ranking(t *testing.T) {
	idx := testIndex()
	query := []float32{1, 0}

	hits, err := Search(idx, query, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	// Smaller angle means larger inner product with the query axis.
	assert.Equal(t, 1, hits[0].Chunk.Ordinal)
	assert.Equal(t, 3, hits[1].Chunk.Ordinal)
	assert.Equal(t, 2, hits[2].Chunk.Ordinal)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Greater(t, hits[1].Score, hits[2].Score)
}

func TestSearch_TopKMonotonic(t *testing.T) {
	idx := testIndex()
	query := []float32{0.6, 0.8}

	small, err := Search(idx, query, 2)
	require.NoError(t, err)
	large, err := Search(idx, query, 4)
	require.NoError(t, err)

	require.Len(t, small, 2)
	require.Len(t, large, 4)
	assert.Equal(t, small, large[:2])
}

func TestSearch_TieBreakByOrdinal(t *testing.T) {
	idx := &domain.DocumentIndex{
		DocumentID: "doc",
		EmbedderID: "test-model@2",
		Dim:        2,
		Chunks: []domain.Chunk{
			{ID: "doc_0", DocumentID: "doc", Ordinal: 0, Text: "a"},
			{ID: "doc_1", DocumentID: "doc", Ordinal: 1, Text: "b"},
			{ID: "doc_2", DocumentID: "doc", Ordinal: 2, Text: "c"},
		},
		Vectors: [][]float32{{0, 1}, {1, 0}, {1, 0}},
	}

	hits, err := Search(idx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Chunk.Ordinal)
	assert.Equal(t, 2, hits[1].Chunk.Ordinal)
}

func TestSearch_Bounds(t *testing.T) {
	idx := testIndex()

	hits, err := Search(idx, []float32{1, 0}, 100)
	require.NoError(t, err)
	assert.Len(t, hits, len(idx.Chunks))

	_, err = Search(idx, []float32{1, 0}, 0)
	assert.ErrorIs(t, err, domain.ErrBadInput)

	_, err = Search(idx, []float32{1, 0, 0}, 2)
	assert.ErrorIs(t, err, domain.ErrBadInput)

	empty := &domain.DocumentIndex{DocumentID: "doc", Dim: 2}
	hits, err = Search(empty, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)

	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestValidate(t *testing.T) {
	idx := testIndex()
	require.NoError(t, Validate(idx))

	ragged := testIndex()
	ragged.Vectors[1] = []float32{1}
	assert.ErrorIs(t, Validate(ragged), domain.ErrIndexUnavailable)

	skewed := testIndex()
	skewed.Chunks[2].Ordinal = 7
	assert.ErrorIs(t, Validate(skewed), domain.ErrIndexUnavailable)

	uneven := testIndex()
	uneven.Vectors = uneven.Vectors[:2]
	assert.ErrorIs(t, Validate(uneven), domain.ErrIndexUnavailable)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	idx := testIndex()
	dir := filepath.Join(t.TempDir(), "cache", idx.Fingerprint)

	require.NoError(t, Save(dir, idx))

	loaded, err := Load(dir, idx.EmbedderID, idx.Params, idx.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, idx.DocumentID, loaded.DocumentID)
	assert.Equal(t, idx.Chunks, loaded.Chunks)
	assert.Equal(t, idx.Vectors, loaded.Vectors)
	assert.Equal(t, idx.Dim, loaded.Dim)

	// Search over the reloaded index behaves exactly like the original.
	want, err := Search(idx, []float32{1, 0}, 3)
	require.NoError(t, err)
	got, err := Search(loaded, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// No staging directory survives a successful save.
	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, idx.Fingerprint, entries[0].Name())
}

func TestSave_ReplacesExisting(t *testing.T) {
	idx := testIndex()
	dir := filepath.Join(t.TempDir(), idx.Fingerprint)
	require.NoError(t, Save(dir, idx))

	idx.Chunks[0].Text = "rewritten"
	require.NoError(t, Save(dir, idx))

	loaded, err := Load(dir, idx.EmbedderID, idx.Params, idx.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", loaded.Chunks[0].Text)
}

func TestLoad_Mismatch(t *testing.T) {
	idx := testIndex()
	dir := filepath.Join(t.TempDir(), idx.Fingerprint)
	require.NoError(t, Save(dir, idx))

	_, err := Load(dir, "other-model@2", idx.Params, idx.Fingerprint)
	assert.ErrorContains(t, err, "embedder")

	_, err = Load(dir, idx.EmbedderID, domain.ChunkParams{ChunkSize: 500, Overlap: 50}, idx.Fingerprint)
	assert.ErrorContains(t, err, "chunk params")

	_, err = Load(dir, idx.EmbedderID, idx.Params, "0000000000000000")
	assert.ErrorContains(t, err, "fingerprint")
}

func TestLoad_MissingOrCorrupt(t *testing.T) {
	idx := testIndex()

	_, err := Load(filepath.Join(t.TempDir(), "nowhere"), idx.EmbedderID, idx.Params, idx.Fingerprint)
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), idx.Fingerprint)
	require.NoError(t, Save(dir, idx))
	require.NoError(t, os.Truncate(filepath.Join(dir, vectorsFile), 6))

	_, err = Load(dir, idx.EmbedderID, idx.Params, idx.Fingerprint)
	assert.Error(t, err)
}

func TestFileFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(dir, "b.pdf")
	require.NoError(t, os.WriteFile(a, []byte("same bytes"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same bytes"), 0o644))

	fa, err := FileFingerprint(a)
	require.NoError(t, err)
	fb, err := FileFingerprint(b)
	require.NoError(t, err)

	assert.Len(t, fa, 16)
	assert.Equal(t, fa, fb)

	require.NoError(t, os.WriteFile(b, []byte("different bytes"), 0o644))
	fb2, err := FileFingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb2)

	_, err = FileFingerprint(filepath.Join(dir, "missing.pdf"))
	assert.Error(t, err)
}
