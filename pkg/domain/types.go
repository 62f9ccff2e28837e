// Package domain holds the core types and collaborator interfaces shared by
// the tool server, the retrieval pipeline, and the HTTP proxy.
package domain

import (
	"context"
	"fmt"
)

// Chunk is a bounded contiguous slice of extracted document text. It is the
// unit of retrieval: one embedding vector exists per chunk, parallel by
// ordinal within an index.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	CharOffset int    `json:"char_offset"`
}

// ChunkID derives the stable chunk identifier from its document and ordinal.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", documentID, ordinal)
}

// ChunkParams are the splitter parameters an index was built with. They are
// persisted in the index manifest; a mismatch at load time forces a rebuild.
type ChunkParams struct {
	ChunkSize int `json:"chunk_size"`
	Overlap   int `json:"overlap"`
}

// DocumentIndex aggregates the chunks and vectors of one document. Vectors
// are parallel to chunks: Vectors[i] embeds Chunks[i], and every vector has
// length Dim.
type DocumentIndex struct {
	DocumentID  string      `json:"document_id"`
	Chunks      []Chunk     `json:"chunks"`
	Vectors     [][]float32 `json:"-"`
	EmbedderID  string      `json:"embedder_id"`
	Params      ChunkParams `json:"chunk_params"`
	Dim         int         `json:"dim"`
	Fingerprint string      `json:"fingerprint"`
}

// SearchHit is one retrieved chunk with its inner-product score.
type SearchHit struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// Metadata is the PDF document information dictionary plus file facts.
type Metadata struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Creator  string `json:"creator,omitempty"`
	Producer string `json:"producer,omitempty"`
	NumPages int    `json:"num_pages"`
	FileSize int64  `json:"file_size"`
}

// Extraction is the result of pulling text out of a PDF. Text joins the
// per-page texts with "--- Page N ---" headers so downstream prompts retain
// page attribution.
type Extraction struct {
	Text     string   `json:"text"`
	Pages    []string `json:"-"`
	NumPages int      `json:"num_pages"`
	Metadata Metadata `json:"metadata"`
}

// PageMatch is one occurrence of a search needle inside a document page.
type PageMatch struct {
	Page    int    `json:"page"`
	Offset  int    `json:"offset"`
	Snippet string `json:"snippet"`
}

// TokenUsage mirrors the completion endpoint's usage accounting.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Answer is one question/answer pair produced by the completion endpoint.
type Answer struct {
	Question string      `json:"question"`
	Answer   string      `json:"answer"`
	Model    string      `json:"model"`
	Usage    *TokenUsage `json:"usage,omitempty"`
}

// GenerationOptions tune a single completion call. Zero values fall back to
// the configured defaults.
type GenerationOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Extractor turns a PDF on disk into text, pages, and metadata.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Extraction, error)
}

// Chunker splits extracted text into overlapping chunks.
type Chunker interface {
	Split(documentID, text string, params ChunkParams) ([]Chunk, error)
}

// Embedder converts a batch of texts into L2-normalized vectors. ID
// identifies the model (and dimension) so indexes built by a different
// embedder are never served.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ID() string
}

// Completer answers a question against supplied context text.
type Completer interface {
	Complete(ctx context.Context, system, user string, opts *GenerationOptions) (*Answer, error)
}
