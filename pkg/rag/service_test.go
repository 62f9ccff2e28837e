package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfqa/pdfqa/pkg/chunker"
	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/registry"
	"github.com/pdfqa/pdfqa/pkg/vectorindex"
)

// stubExtractor serves file bytes as one page per "\f"-separated segment.
type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, path string) (*domain.Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: file not found: %s", domain.ErrExtractFailed, path)
	}
	pages := strings.Split(string(data), "\f")
	return &domain.Extraction{
		Text:     strings.Join(pages, "\n\n"),
		Pages:    pages,
		NumPages: len(pages),
		Metadata: domain.Metadata{Title: "stub", NumPages: len(pages), FileSize: int64(len(data))},
	}, nil
}

// stubEmbedder maps text onto a 3-dim unit vector keyed by which marker word
// it contains, so retrieval is predictable.
type stubEmbedder struct {
	docBatches   int64
	queryBatches int64
}

func (s *stubEmbedder) ID() string { return "stub@3" }

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 1 {
		atomic.AddInt64(&s.queryBatches, 1)
	} else {
		atomic.AddInt64(&s.docBatches, 1)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec := []float32{0, 0, 1}
		if strings.Contains(strings.ToLower(text), "freedonia") {
			vec = []float32{1, 0.1, 0}
		} else if strings.Contains(strings.ToLower(text), "budget") {
			vec = []float32{0, 1, 0.1}
		}
		vectors[i] = vectorindex.Normalize(vec)
	}
	return vectors, nil
}

// stubCompleter echoes the context it was given so tests can assert on
// prompt assembly.
type stubCompleter struct {
	failOn  string
	ceiling int
	calls   int64
}

func (s *stubCompleter) Answer(ctx context.Context, documentText, question string) (*domain.Answer, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.failOn != "" && strings.Contains(question, s.failOn) {
		return nil, fmt.Errorf("%w: upstream status 400", domain.ErrModelPermanent)
	}
	return &domain.Answer{
		Question: question,
		Answer:   "context: " + documentText,
		Model:    "stub-model",
	}, nil
}

func (s *stubCompleter) Summarize(ctx context.Context, documentText string, maxLength int) (*domain.Answer, error) {
	return s.Answer(ctx, documentText, fmt.Sprintf("summary(%d)", maxLength))
}

func (s *stubCompleter) KeyPoints(ctx context.Context, documentText string, numPoints int) ([]string, string, error) {
	points := make([]string, numPoints)
	for i := range points {
		points[i] = fmt.Sprintf("point %d", i+1)
	}
	return points, "stub-model", nil
}

func (s *stubCompleter) FullDocTokenCeiling() int { return s.ceiling }

func newTestService(t *testing.T, completer Completer) (*Service, *stubEmbedder, string) {
	t.Helper()
	dir := t.TempDir()
	emb := &stubEmbedder{}
	reg := registry.New(registry.Config{
		CacheRoot: filepath.Join(dir, "cache"),
		Extractor: stubExtractor{},
		Chunker:   chunker.New(),
		Embedder:  emb,
		Params:    domain.ChunkParams{ChunkSize: 80, Overlap: 20},
	})
	svc := New(stubExtractor{}, emb, reg, completer, Config{TopK: 2})
	return svc, emb, dir
}

func writePDF(t *testing.T, dir, name string, pages ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(pages, "\f")), 0o644))
	return path
}

const freedoniaPage = "The capital of Freedonia is Fredonia City. It lies on the river and hosts the parliament of the realm."
const budgetPage = "The annual budget for infrastructure is twelve million crowns, approved by the finance committee each spring."

func TestAnswerRAG_RetrievesRelevantChunk(t *testing.T) {
	completer := &stubCompleter{ceiling: 12000}
	svc, emb, dir := newTestService(t, completer)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage, budgetPage)

	answer, err := svc.AnswerRAG(context.Background(), path, "What is the capital of Freedonia?", 1)
	require.NoError(t, err)
	assert.Contains(t, answer.Answer, "Fredonia City")
	assert.Contains(t, answer.Answer, "[Relevant Section 1]")
	assert.NotContains(t, answer.Answer, "twelve million")
	assert.Equal(t, "stub-model", answer.Model)

	// One document batch, one query batch.
	assert.EqualValues(t, 1, atomic.LoadInt64(&emb.docBatches))
	assert.EqualValues(t, 1, atomic.LoadInt64(&emb.queryBatches))
}

func TestAnswerRAG_EmptyQuestion(t *testing.T) {
	svc, _, dir := newTestService(t, &stubCompleter{})
	path := writePDF(t, dir, "doc.pdf", freedoniaPage)

	_, err := svc.AnswerRAG(context.Background(), path, "", 0)
	assert.ErrorIs(t, err, domain.ErrBadInput)
}

func TestAnswerRAG_NoCompleter(t *testing.T) {
	svc, _, dir := newTestService(t, nil)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage)

	_, err := svc.AnswerRAG(context.Background(), path, "anything?", 0)
	assert.ErrorIs(t, err, domain.ErrBadInput)
}

func TestAnswerMultipleRAG_PartialFailure(t *testing.T) {
	completer := &stubCompleter{failOn: "second"}
	svc, _, dir := newTestService(t, completer)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage, budgetPage)

	results, err := svc.AnswerMultipleRAG(context.Background(), path, []string{
		"first question about freedonia",
		"second question about the budget",
		"third question about freedonia",
	}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NotNil(t, results[0].Answer)
	assert.NoError(t, results[0].Err)

	assert.Nil(t, results[1].Answer)
	assert.ErrorIs(t, results[1].Err, domain.ErrModelPermanent)

	assert.NotNil(t, results[2].Answer)
	assert.NoError(t, results[2].Err)
}

func TestAnswerMultipleRAG_EmbedsDocumentOnce(t *testing.T) {
	svc, emb, dir := newTestService(t, &stubCompleter{})
	path := writePDF(t, dir, "doc.pdf", freedoniaPage, budgetPage)

	questions := []string{"q one about freedonia", "q two about budget", "q three"}
	_, err := svc.AnswerMultipleRAG(context.Background(), path, questions, 0)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt64(&emb.docBatches), "document embedded once")
	assert.EqualValues(t, len(questions), atomic.LoadInt64(&emb.queryBatches), "one query embedding per question")
}

func TestAnswerFull_RefusesOverCeiling(t *testing.T) {
	completer := &stubCompleter{ceiling: 10}
	svc, _, dir := newTestService(t, completer)
	path := writePDF(t, dir, "doc.pdf", strings.Repeat(freedoniaPage+" ", 20))

	_, err := svc.AnswerFull(context.Background(), path, "what?")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBadInput)
	assert.Contains(t, err.Error(), "token")
}

func TestAnswerFull_SmallDocument(t *testing.T) {
	completer := &stubCompleter{ceiling: 12000}
	svc, _, dir := newTestService(t, completer)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage)

	answer, err := svc.AnswerFull(context.Background(), path, "What is the capital?")
	require.NoError(t, err)
	assert.Contains(t, answer.Answer, "Fredonia City")
}

func TestExtractText_LowYield(t *testing.T) {
	svc, _, dir := newTestService(t, &stubCompleter{})
	path := writePDF(t, dir, "scan.pdf", "  ", " ")

	_, err := svc.ExtractText(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLowYield)
}

func TestIndex_ReportsCached(t *testing.T) {
	svc, _, dir := newTestService(t, nil)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage, budgetPage)

	first, err := svc.Index(context.Background(), path, false)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 2, first.NumPages)
	assert.Positive(t, first.NumChunks)

	second, err := svc.Index(context.Background(), path, false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.NumChunks, second.NumChunks)
}

func TestIndex_ForceRebuilds(t *testing.T) {
	svc, emb, dir := newTestService(t, nil)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage)

	_, err := svc.Index(context.Background(), path, false)
	require.NoError(t, err)
	_, err = svc.Index(context.Background(), path, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&emb.docBatches))
}

func TestSearch(t *testing.T) {
	svc, _, dir := newTestService(t, nil)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage, budgetPage)

	matches, err := svc.Search(context.Background(), path, "FREDONIA CITY", false)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Page)
	assert.Contains(t, matches[0].Snippet, "Fredonia City")

	matches, err = svc.Search(context.Background(), path, "FREDONIA CITY", true)
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = svc.Search(context.Background(), path, "", false)
	assert.ErrorIs(t, err, domain.ErrBadInput)
}

func TestSummarizeAndKeyPoints(t *testing.T) {
	completer := &stubCompleter{ceiling: 12000}
	svc, _, dir := newTestService(t, completer)
	path := writePDF(t, dir, "doc.pdf", freedoniaPage)

	summary, err := svc.Summarize(context.Background(), path, 100)
	require.NoError(t, err)
	assert.Contains(t, summary.Question, "summary(100)")

	points, model, err := svc.KeyPoints(context.Background(), path, 0)
	require.NoError(t, err)
	assert.Len(t, points, DefaultKeyPoints)
	assert.Equal(t, "stub-model", model)
}
