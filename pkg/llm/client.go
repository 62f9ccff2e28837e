// Package llm wraps the remote completion endpoint: prompt construction,
// retries and circuit breaking, timeout and status classification, token
// budgeting, and the optional answer-formatting second pass.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/sony/gobreaker"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/log"
)

type Config struct {
	APIKey              string
	APIURL              string
	Model               string
	Temperature         float64
	MaxTokens           int
	Timeout             time.Duration
	MaxRetries          int
	FormatAnswers       bool
	FullDocTokenCeiling int
}

// Client talks to an OpenAI-compatible chat completions endpoint. All calls
// run through a circuit breaker so a dead endpoint fails fast instead of
// tying up request handlers for the full retry budget.
type Client struct {
	api     *openai.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	api := openai.NewClient(opts...)

	logger := log.WithModule("llm")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "completion-endpoint",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{api: &api, cfg: cfg, breaker: breaker, logger: logger}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// FullDocTokenCeiling is the budget above which full-document analysis is
// refused or truncated, depending on the operation.
func (c *Client) FullDocTokenCeiling() int { return c.cfg.FullDocTokenCeiling }

// Complete sends one system+user exchange and returns the first choice.
// Errors are classified into the domain kinds: deadline → model_timeout,
// 429/5xx (after SDK retries) → model_transient, other 4xx →
// model_permanent.
func (c *Client) Complete(ctx context.Context, system, user string, opts *domain.GenerationOptions) (*domain.Answer, error) {
	model := c.cfg.Model
	temperature := c.cfg.Temperature
	maxTokens := c.cfg.MaxTokens
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.Temperature > 0 {
			temperature = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			maxTokens = opts.MaxTokens
		}
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: param.NewOpt(temperature),
		MaxTokens:   param.NewOpt(int64(maxTokens)),
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.api.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return nil, c.classify(err)
	}

	completion := result.(*openai.ChatCompletion)
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion returned no choices", domain.ErrModelPermanent)
	}

	answer := &domain.Answer{
		Answer: completion.Choices[0].Message.Content,
		Model:  model,
	}
	if completion.Model != "" {
		answer.Model = completion.Model
	}
	if completion.Usage.TotalTokens > 0 {
		answer.Usage = &domain.TokenUsage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		}
	}
	return answer, nil
}

// Answer runs the document-analysis prompt for one question over the given
// text (full document or assembled retrieval context).
func (c *Client) Answer(ctx context.Context, documentText, question string) (*domain.Answer, error) {
	answer, err := c.Complete(ctx, analysisSystemPrompt, AnalysisPrompt(documentText, question), nil)
	if err != nil {
		return nil, err
	}
	answer.Question = question

	if c.cfg.FormatAnswers {
		answer.Answer = c.formatAnswer(ctx, answer.Answer, question)
	}
	return answer, nil
}

// formatAnswer is the optional second pass. Its failure never fails the
// request; the raw answer is kept.
func (c *Client) formatAnswer(ctx context.Context, rawAnswer, question string) string {
	formatted, err := c.Complete(ctx, formatSystemPrompt, FormatPrompt(rawAnswer, question), nil)
	if err != nil || formatted.Answer == "" {
		c.logger.Warn("answer formatting pass failed, keeping raw answer", "error", err)
		return rawAnswer
	}
	return formatted.Answer
}

// Summarize produces a document summary of roughly maxLength words (0 for
// unconstrained). The document is truncated to the token ceiling rather than
// refused.
func (c *Client) Summarize(ctx context.Context, documentText string, maxLength int) (*domain.Answer, error) {
	text := TruncateToTokens(documentText, c.cfg.FullDocTokenCeiling)
	return c.Answer(ctx, text, SummaryQuestion(maxLength))
}

// KeyPoints extracts the numPoints most important points as a list.
func (c *Client) KeyPoints(ctx context.Context, documentText string, numPoints int) ([]string, string, error) {
	text := TruncateToTokens(documentText, c.cfg.FullDocTokenCeiling)
	answer, err := c.Answer(ctx, text, KeyPointsQuestion(numPoints))
	if err != nil {
		return nil, "", err
	}
	return ParseKeyPoints(answer.Answer, numPoints), answer.Model, nil
}

func (c *Client) classify(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit breaker open", domain.ErrModelTransient)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrModelTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrModelTimeout, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: upstream status %d: %v", domain.ErrModelTransient, apiErr.StatusCode, err)
		}
		if apiErr.StatusCode >= 400 {
			return fmt.Errorf("%w: upstream status %d: %v", domain.ErrModelPermanent, apiErr.StatusCode, err)
		}
	}
	// Connection-level failures (reset, refused) exhaust the SDK's retries
	// before landing here.
	return fmt.Errorf("%w: %v", domain.ErrModelTransient, err)
}
