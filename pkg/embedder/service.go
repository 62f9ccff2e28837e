// Package embedder produces L2-normalized embedding vectors through an
// OpenAI-compatible embeddings endpoint. Batches are sized by configuration
// and run with bounded concurrency; a failed batch is retried once before the
// whole call fails.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/errgroup"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/log"
	"github.com/pdfqa/pdfqa/pkg/vectorindex"
)

// maxConcurrentBatches bounds parallel embedding requests so a large PDF
// cannot fan out into an unbounded number of in-flight HTTP calls.
const maxConcurrentBatches = 4

type Config struct {
	APIKey    string
	APIURL    string
	Model     string
	Dim       int
	BatchSize int
	Timeout   time.Duration
}

type Service struct {
	client    *openai.Client
	model     string
	dim       int
	batchSize int
	logger    *slog.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dim)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.APIURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	// NewClient returns a value, not a pointer.
	client := openai.NewClient(opts...)

	return &Service{
		client:    &client,
		model:     cfg.Model,
		dim:       cfg.Dim,
		batchSize: cfg.BatchSize,
		logger:    log.WithModule("embedder"),
	}, nil
}

// ID identifies the embedding model and dimension. It is persisted in index
// manifests; a cached index built under a different ID is never served.
func (s *Service) ID() string {
	return fmt.Sprintf("%s@%d", s.model, s.dim)
}

// Embed converts texts into unit-length vectors, one per input, in input
// order. Inputs are split into batches which run concurrently.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)

	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			batch, err := s.embedBatch(gctx, texts[start:end])
			if err != nil {
				// One retry; the endpoint sheds load in bursts.
				s.logger.Warn("embedding batch failed, retrying",
					"start", start, "size", end-start, "error", err)
				batch, err = s.embedBatch(gctx, texts[start:end])
			}
			if err != nil {
				return fmt.Errorf("%w: batch [%d:%d]: %v", domain.ErrEmbedFailed, start, end, err)
			}
			copy(vectors[start:], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(s.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Dimensions: openai.Int(int64(s.dim)),
	}

	resp, err := s.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("requested %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", i)
		}
		if len(d.Embedding) != s.dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(d.Embedding), s.dim)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vectorindex.Normalize(vec)
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vectors, nil
}
