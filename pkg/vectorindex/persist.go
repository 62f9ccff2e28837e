package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

const (
	manifestFile = "manifest.json"
	chunksFile   = "chunks.ndjson"
	vectorsFile  = "vectors.bin"
)

// vectorsMagic heads vectors.bin so a truncated or foreign file is rejected
// before any floats are read.
var vectorsMagic = [4]byte{'P', 'Q', 'V', 'X'}

// Manifest describes a persisted index. Load rejects a directory whose
// manifest disagrees with the caller's embedder, chunk parameters, or
// document fingerprint, which forces a rebuild instead of serving stale
// vectors.
type Manifest struct {
	DocumentID  string             `json:"document_id"`
	Fingerprint string             `json:"fingerprint"`
	EmbedderID  string             `json:"embedder_id"`
	ChunkParams domain.ChunkParams `json:"chunk_params"`
	Dim         int                `json:"dim"`
	NumChunks   int                `json:"num_chunks"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Save persists idx under dir. All three files are written into a hidden
// temp directory next to dir and published with a single rename, so readers
// only ever observe a complete index.
func Save(dir string, idx *domain.DocumentIndex) error {
	if err := Validate(idx); err != nil {
		return err
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	man := Manifest{
		DocumentID:  idx.DocumentID,
		Fingerprint: idx.Fingerprint,
		EmbedderID:  idx.EmbedderID,
		ChunkParams: idx.Params,
		Dim:         idx.Dim,
		NumChunks:   len(idx.Chunks),
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeManifest(filepath.Join(tmp, manifestFile), man); err != nil {
		return err
	}
	if err := writeChunks(filepath.Join(tmp, chunksFile), idx.Chunks); err != nil {
		return err
	}
	if err := writeVectors(filepath.Join(tmp, vectorsFile), idx.Vectors, idx.Dim); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear previous index: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publish index: %w", err)
	}
	return nil
}

// Load reads the index persisted under dir and verifies it was built with
// the same embedder, chunk parameters, and document content the caller is
// using now. Any error, from a missing directory to a manifest mismatch,
// means the caller should rebuild.
func Load(dir, embedderID string, params domain.ChunkParams, fingerprint string) (*domain.DocumentIndex, error) {
	man, err := readManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	if man.EmbedderID != embedderID {
		return nil, fmt.Errorf("index built with embedder %q, want %q", man.EmbedderID, embedderID)
	}
	if man.ChunkParams != params {
		return nil, fmt.Errorf("index built with chunk params %+v, want %+v", man.ChunkParams, params)
	}
	if man.Fingerprint != fingerprint {
		return nil, fmt.Errorf("index fingerprint %q does not match document %q", man.Fingerprint, fingerprint)
	}

	chunks, err := readChunks(filepath.Join(dir, chunksFile))
	if err != nil {
		return nil, err
	}
	vectors, dim, err := readVectors(filepath.Join(dir, vectorsFile))
	if err != nil {
		return nil, err
	}
	if len(chunks) != man.NumChunks || len(vectors) != man.NumChunks {
		return nil, fmt.Errorf("manifest says %d chunks, found %d chunks and %d vectors",
			man.NumChunks, len(chunks), len(vectors))
	}
	if dim != man.Dim {
		return nil, fmt.Errorf("manifest says dimension %d, vectors have %d", man.Dim, dim)
	}

	idx := &domain.DocumentIndex{
		DocumentID:  man.DocumentID,
		Chunks:      chunks,
		Vectors:     vectors,
		EmbedderID:  man.EmbedderID,
		Params:      man.ChunkParams,
		Dim:         man.Dim,
		Fingerprint: man.Fingerprint,
	}
	if err := Validate(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func writeManifest(path string, man Manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func readManifest(path string) (Manifest, error) {
	var man Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return man, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("decode manifest: %w", err)
	}
	return man, nil
}

func writeChunks(path string, chunks []domain.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write chunks: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range chunks {
		if err := enc.Encode(&chunks[i]); err != nil {
			f.Close()
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write chunks: %w", err)
	}
	return f.Close()
}

func readChunks(path string) ([]domain.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	defer f.Close()

	var chunks []domain.Chunk
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var c domain.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	return chunks, nil
}

func writeVectors(path string, vectors [][]float32, dim int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	w := bufio.NewWriter(f)

	if _, err := w.Write(vectorsMagic[:]); err != nil {
		f.Close()
		return fmt.Errorf("write vectors: %w", err)
	}
	header := []uint32{uint32(len(vectors)), uint32(dim)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return fmt.Errorf("write vectors: %w", err)
	}
	for _, vec := range vectors {
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			f.Close()
			return fmt.Errorf("write vectors: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write vectors: %w", err)
	}
	return f.Close()
}

func readVectors(path string) ([][]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read vectors: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, 0, fmt.Errorf("read vector header: %w", err)
	}
	if magic != vectorsMagic {
		return nil, 0, fmt.Errorf("bad vector file magic %q", magic[:])
	}
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("read vector header: %w", err)
	}
	count, dim := int(header[0]), int(header[1])
	if count < 0 || dim <= 0 || count > 1<<24 || dim > 1<<16 {
		return nil, 0, fmt.Errorf("implausible vector header: count=%d dim=%d", count, dim)
	}

	vectors := make([][]float32, count)
	for i := range vectors {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, 0, fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, dim, nil
}
