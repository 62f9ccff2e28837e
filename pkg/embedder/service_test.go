package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeEmbeddings serves an OpenAI-compatible embeddings endpoint. Each input
// string gets a deterministic (unnormalized) vector; failFirst makes the
// first N requests return 500 to exercise the retry path.
func fakeEmbeddings(t *testing.T, dim int, failFirst int64) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n <= failFirst {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
			return
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type datum struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]datum, len(req.Input))
		for i, text := range req.Input {
			vec := make([]float64, dim)
			for j := range vec {
				vec[j] = float64(len(text)%7+1) * float64(j+1)
			}
			data[i] = datum{Index: i, Embedding: vec}
		}
		resp := map[string]any{"object": "list", "data": data, "model": req.Model}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func newTestService(t *testing.T, url string, dim, batchSize int) *Service {
	t.Helper()
	s, err := New(Config{
		APIKey:    "test-key",
		APIURL:    url,
		Model:     "test-embed",
		Dim:       dim,
		BatchSize: batchSize,
	})
	require.NoError(t, err)
	return s
}

func TestEmbed_NormalizedVectors(t *testing.T) {
	ts, _ := fakeEmbeddings(t, 4, 0)
	s := newTestService(t, ts.URL, 4, 64)

	vectors, err := s.Embed(context.Background(), []string{"alpha", "beta gamma"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	for _, vec := range vectors {
		require.Len(t, vec, 4)
		var norm float64
		for _, x := range vec {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	}
}

func TestEmbed_Batching(t *testing.T) {
	ts, calls := fakeEmbeddings(t, 3, 0)
	s := newTestService(t, ts.URL, 3, 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := s.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	assert.EqualValues(t, 3, atomic.LoadInt64(calls), "5 inputs at batch size 2 should take 3 requests")

	// Same inputs embed identically on a second run, in the same order.
	again, err := s.Embed(context.Background(), texts)
	require.NoError(t, err)
	for i := range texts {
		assert.Equal(t, vectors[i], again[i], "vector %d changed between runs", i)
	}
}

func TestEmbed_FailureSurfacesEmbedFailed(t *testing.T) {
	ts, _ := fakeEmbeddings(t, 3, math.MaxInt64)
	s := newTestService(t, ts.URL, 3, 64)

	_, err := s.Embed(context.Background(), []string{"doomed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbedFailed)
}

func TestEmbed_RecoversAfterTransientFailure(t *testing.T) {
	ts, _ := fakeEmbeddings(t, 3, 1)
	s := newTestService(t, ts.URL, 3, 64)

	// The SDK's retry layer or the service-level retry absorbs a single 500.
	vectors, err := s.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
}

func TestEmbed_Empty(t *testing.T) {
	ts, calls := fakeEmbeddings(t, 3, 0)
	s := newTestService(t, ts.URL, 3, 64)

	vectors, err := s.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.EqualValues(t, 0, atomic.LoadInt64(calls))
}

func TestID(t *testing.T) {
	s := newTestService(t, "http://localhost:0", 768, 64)
	assert.Equal(t, "test-embed@768", s.ID())
}
