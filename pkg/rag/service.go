// Package rag composes the extractor, chunker, embedder, registry, and
// completion client into the document question-answering pipeline. Every
// tool exposed by the tool server maps onto one method here.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/extractor"
	"github.com/pdfqa/pdfqa/pkg/llm"
	"github.com/pdfqa/pdfqa/pkg/log"
	"github.com/pdfqa/pdfqa/pkg/registry"
	"github.com/pdfqa/pdfqa/pkg/vectorindex"
)

const (
	// DefaultTopK is how many chunks back a question when the caller does
	// not override it.
	DefaultTopK = 3

	// DefaultKeyPoints matches the original tool's default.
	DefaultKeyPoints = 5

	// searchResultCap bounds search_pdf output on pathological needles.
	searchResultCap = 100
)

type Config struct {
	TopK int
}

// Completer is the slice of the completion client the pipeline needs.
// *llm.Client implements it.
type Completer interface {
	Answer(ctx context.Context, documentText, question string) (*domain.Answer, error)
	Summarize(ctx context.Context, documentText string, maxLength int) (*domain.Answer, error)
	KeyPoints(ctx context.Context, documentText string, numPoints int) ([]string, string, error)
	FullDocTokenCeiling() int
}

// Service implements the tool semantics. Completer may be nil when no model
// API key is configured; answer operations then fail with bad_input while
// extraction operations keep working.
type Service struct {
	extractor domain.Extractor
	embedder  domain.Embedder
	registry  *registry.Registry
	completer Completer
	topK      int
	logger    *slog.Logger
}

func New(ext domain.Extractor, emb domain.Embedder, reg *registry.Registry, completer Completer, cfg Config) *Service {
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{
		extractor: ext,
		embedder:  emb,
		registry:  reg,
		completer: completer,
		topK:      topK,
		logger:    log.WithModule("rag"),
	}
}

// ExtractText returns the document's full text. Low-yield documents are
// reported as such rather than returning near-empty text.
func (s *Service) ExtractText(ctx context.Context, path string) (*domain.Extraction, error) {
	e, err := s.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	if extractor.LowYield(e) {
		return nil, fmt.Errorf("%w: %d pages yielded %d characters; the document appears to be scanned images",
			domain.ErrLowYield, e.NumPages, len(e.Text))
	}
	return e, nil
}

// Metadata returns the document information dictionary plus file facts. It
// works on low-yield documents; there is nothing to index here.
func (s *Service) Metadata(ctx context.Context, path string) (*domain.Metadata, error) {
	e, err := s.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := e.Metadata
	return &meta, nil
}

// Search finds needle occurrences page by page.
func (s *Service) Search(ctx context.Context, path, needle string, caseSensitive bool) ([]domain.PageMatch, error) {
	if needle == "" {
		return nil, fmt.Errorf("%w: needle cannot be empty", domain.ErrBadInput)
	}
	e, err := s.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	return extractor.SearchPages(e, needle, caseSensitive, searchResultCap), nil
}

// IndexResult is what index_pdf reports back.
type IndexResult struct {
	DocumentID string `json:"document_id"`
	NumPages   int    `json:"num_pages"`
	NumChunks  int    `json:"num_chunks"`
	Cached     bool   `json:"cached"`
}

// Index builds (or loads) the document's vector index. force drops any
// existing index first.
func (s *Service) Index(ctx context.Context, path string, force bool) (*IndexResult, error) {
	if force {
		if err := s.registry.Delete(path); err != nil {
			return nil, err
		}
	}

	// Low-yield documents are refused before any index work, and no cache
	// directory is created for them.
	e, err := s.ExtractText(ctx, path)
	if err != nil {
		return nil, err
	}

	cached := s.registry.State(path) == registry.StateReady
	idx, err := s.registry.GetOrBuild(ctx, path)
	if err != nil {
		return nil, err
	}
	return &IndexResult{
		DocumentID: idx.DocumentID,
		NumPages:   e.NumPages,
		NumChunks:  len(idx.Chunks),
		Cached:     cached,
	}, nil
}

// DeleteIndex drops the in-memory entry and the persisted cache directory.
func (s *Service) DeleteIndex(ctx context.Context, path string) error {
	return s.registry.Delete(path)
}

// AnswerFull answers using the entire document in one pass. Documents over
// the configured token ceiling are refused; retrieval is the right tool for
// them.
func (s *Service) AnswerFull(ctx context.Context, path, question string) (*domain.Answer, error) {
	if err := s.requireCompleter(); err != nil {
		return nil, err
	}
	if question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", domain.ErrBadInput)
	}
	e, err := s.ExtractText(ctx, path)
	if err != nil {
		return nil, err
	}
	if ceiling := s.completer.FullDocTokenCeiling(); ceiling > 0 {
		if tokens := llm.CountTokens(e.Text); tokens > ceiling {
			return nil, fmt.Errorf("%w: document is %d tokens, over the %d-token limit for full-document analysis; use the retrieval-based tool instead",
				domain.ErrBadInput, tokens, ceiling)
		}
	}
	return s.completer.Answer(ctx, e.Text, question)
}

// AnswerRAG answers a question from the top-k most relevant chunks.
func (s *Service) AnswerRAG(ctx context.Context, path, question string, topK int) (*domain.Answer, error) {
	if err := s.requireCompleter(); err != nil {
		return nil, err
	}
	if question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", domain.ErrBadInput)
	}

	hits, err := s.Retrieve(ctx, path, question, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("%w: no indexed content to answer from", domain.ErrLowYield)
	}

	context := llm.AssembleContext(hits)
	s.logger.Debug("assembled retrieval context",
		"question_len", len(question), "chunks", len(hits), "context_len", len(context))
	return s.completer.Answer(ctx, context, question)
}

// Retrieve embeds the question and returns the top-k chunks by inner
// product, highest first.
func (s *Service) Retrieve(ctx context.Context, path, question string, topK int) ([]domain.SearchHit, error) {
	if topK <= 0 {
		topK = s.topK
	}

	idx, err := s.registry.GetOrBuild(ctx, path)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected 1 query vector, got %d", domain.ErrEmbedFailed, len(vectors))
	}
	return vectorindex.Search(idx, vectors[0], topK)
}

// QuestionResult is one entry of a multi-question batch. Exactly one of
// Answer and Err is set.
type QuestionResult struct {
	Question string
	Answer   *domain.Answer
	Err      error
}

// AnswerMultipleRAG answers each question independently, in input order. A
// failing question does not fail the batch; its entry carries the error.
func (s *Service) AnswerMultipleRAG(ctx context.Context, path string, questions []string, topK int) ([]QuestionResult, error) {
	if err := s.requireCompleter(); err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: questions cannot be empty", domain.ErrBadInput)
	}

	// Index once up front so a build failure fails the whole batch instead
	// of repeating per question.
	if _, err := s.registry.GetOrBuild(ctx, path); err != nil {
		return nil, err
	}

	results := make([]QuestionResult, len(questions))
	for i, q := range questions {
		results[i].Question = q
		if q == "" {
			results[i].Err = fmt.Errorf("%w: question %d is empty", domain.ErrBadInput, i+1)
			continue
		}
		answer, err := s.AnswerRAG(ctx, path, q, topK)
		if err != nil {
			s.logger.Warn("question failed in batch", "index", i+1, "error", err)
			results[i].Err = err
			continue
		}
		results[i].Answer = answer
	}
	return results, nil
}

// Summarize produces a document summary of roughly maxLength words.
func (s *Service) Summarize(ctx context.Context, path string, maxLength int) (*domain.Answer, error) {
	if err := s.requireCompleter(); err != nil {
		return nil, err
	}
	e, err := s.ExtractText(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.completer.Summarize(ctx, e.Text, maxLength)
}

// KeyPoints extracts the most important points as an ordered list.
func (s *Service) KeyPoints(ctx context.Context, path string, numPoints int) ([]string, string, error) {
	if err := s.requireCompleter(); err != nil {
		return nil, "", err
	}
	if numPoints <= 0 {
		numPoints = DefaultKeyPoints
	}
	e, err := s.ExtractText(ctx, path)
	if err != nil {
		return nil, "", err
	}
	return s.completer.KeyPoints(ctx, e.Text, numPoints)
}

func (s *Service) requireCompleter() error {
	if s.completer == nil {
		return fmt.Errorf("%w: no model API key configured; set MODEL_API_KEY", domain.ErrBadInput)
	}
	return nil
}
