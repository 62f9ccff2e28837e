package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeModel struct {
	mu      func(req chatRequest) (string, int)
	calls   int64
	lastReq atomic.Value
}

// serve returns an httptest server that answers chat completion requests.
// respond maps a request to (answer text, status); non-200 statuses return an
// error body.
func serveModel(t *testing.T, respond func(req chatRequest) (string, int)) (*httptest.Server, *fakeModel) {
	t.Helper()
	fm := &fakeModel{mu: respond}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fm.calls, 1)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fm.lastReq.Store(req)

		text, status := respond(req)
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"` + text + `","type":"test"}}`))
			return
		}
		resp := map[string]any{
			"id":     "cmpl-test",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": text}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(ts.Close)
	return ts, fm
}

func testConfig(url string) Config {
	return Config{
		APIKey:              "test-key",
		APIURL:              url,
		Model:               "sonar",
		Temperature:         0.2,
		MaxTokens:           4000,
		MaxRetries:          0,
		FullDocTokenCeiling: 12000,
	}
}

func TestAnswer_Success(t *testing.T) {
	ts, fm := serveModel(t, func(req chatRequest) (string, int) {
		return "The capital is Fredonia City.", http.StatusOK
	})
	c, err := NewClient(testConfig(ts.URL))
	require.NoError(t, err)

	answer, err := c.Answer(context.Background(), "The capital of Freedonia is Fredonia City.", "What is the capital?")
	require.NoError(t, err)
	assert.Equal(t, "What is the capital?", answer.Question)
	assert.Contains(t, answer.Answer, "Fredonia City")
	assert.Equal(t, "sonar", answer.Model)
	require.NotNil(t, answer.Usage)
	assert.EqualValues(t, 49, answer.Usage.TotalTokens)

	req := fm.lastReq.Load().(chatRequest)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "CRITICAL RULES")
	assert.Contains(t, req.Messages[1].Content, "DOCUMENT CONTENT:")
	assert.Contains(t, req.Messages[1].Content, "QUESTION: What is the capital?")
}

func TestAnswer_PermanentErrorOn4xx(t *testing.T) {
	ts, _ := serveModel(t, func(req chatRequest) (string, int) {
		return "bad request", http.StatusBadRequest
	})
	c, err := NewClient(testConfig(ts.URL))
	require.NoError(t, err)

	_, err = c.Answer(context.Background(), "doc", "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelPermanent)
}

func TestAnswer_TransientErrorOn5xx(t *testing.T) {
	ts, _ := serveModel(t, func(req chatRequest) (string, int) {
		return "overloaded", http.StatusInternalServerError
	})
	c, err := NewClient(testConfig(ts.URL))
	require.NoError(t, err)

	_, err = c.Answer(context.Background(), "doc", "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelTransient)
}

func TestAnswer_TimeoutClassification(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer ts.Close()

	c, err := NewClient(testConfig(ts.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Answer(ctx, "doc", "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelTimeout)
}

// The formatting pass reshapes the raw answer, and its failure keeps the raw
// answer instead of failing the request.
func TestAnswer_FormatPassFallsBackToRaw(t *testing.T) {
	var formatCalls int64
	ts, _ := serveModel(t, func(req chatRequest) (string, int) {
		if len(req.Messages) > 0 && req.Messages[0].Content == formatSystemPrompt {
			atomic.AddInt64(&formatCalls, 1)
			return "formatter down", http.StatusInternalServerError
		}
		return "raw answer text", http.StatusOK
	})

	cfg := testConfig(ts.URL)
	cfg.FormatAnswers = true
	c, err := NewClient(cfg)
	require.NoError(t, err)

	answer, err := c.Answer(context.Background(), "doc", "q")
	require.NoError(t, err)
	assert.Equal(t, "raw answer text", answer.Answer)
	assert.Positive(t, atomic.LoadInt64(&formatCalls))
}

func TestAnswer_FormatPassApplied(t *testing.T) {
	ts, _ := serveModel(t, func(req chatRequest) (string, int) {
		if len(req.Messages) > 0 && req.Messages[0].Content == formatSystemPrompt {
			return "## Formatted", http.StatusOK
		}
		return "raw", http.StatusOK
	})

	cfg := testConfig(ts.URL)
	cfg.FormatAnswers = true
	c, err := NewClient(cfg)
	require.NoError(t, err)

	answer, err := c.Answer(context.Background(), "doc", "q")
	require.NoError(t, err)
	assert.Equal(t, "## Formatted", answer.Answer)
}

func TestKeyPoints(t *testing.T) {
	ts, _ := serveModel(t, func(req chatRequest) (string, int) {
		return "Key points:\n- first point\n- second point\n- third point\nClosing remark.", http.StatusOK
	})
	c, err := NewClient(testConfig(ts.URL))
	require.NoError(t, err)

	points, model, err := c.KeyPoints(context.Background(), "document text", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first point", "second point"}, points)
	assert.Equal(t, "sonar", model)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Model: "sonar"})
	assert.ErrorContains(t, err, "API key")

	_, err = NewClient(Config{APIKey: "k"})
	assert.ErrorContains(t, err, "model name")
}
