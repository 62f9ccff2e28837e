package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/jsonrpc"
)

// callParams is the body of a tools/call request.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// invalidParams marks argument problems that map to -32602, as opposed to
// tool failures that map to -32000.
type invalidParams struct {
	msg string
}

func (e *invalidParams) Error() string { return e.msg }

// dispatch validates the arguments against the tool's schema and runs the
// matching handler. The returned payload is the tool-specific JSON value.
func (s *Server) dispatch(ctx context.Context, name ToolName, args json.RawMessage) (any, error) {
	if err := validateArgs(name, args); err != nil {
		return nil, err
	}

	switch name {
	case ToolExtractText:
		return s.handleExtractText(ctx, args)
	case ToolExtractMeta:
		return s.handleExtractMeta(ctx, args)
	case ToolSearchPDF:
		return s.handleSearch(ctx, args)
	case ToolIndexPDF:
		return s.handleIndex(ctx, args)
	case ToolAnswer:
		return s.handleAnswer(ctx, args)
	case ToolAnswerRAG:
		return s.handleAnswerRAG(ctx, args)
	case ToolAnswerMulti:
		return s.handleAnswerMulti(ctx, args)
	case ToolSummarize:
		return s.handleSummarize(ctx, args)
	case ToolKeyPoints:
		return s.handleKeyPoints(ctx, args)
	case ToolDeleteIndex:
		return s.handleDeleteIndex(ctx, args)
	default:
		// Unreachable: callers check the catalogue first.
		return nil, &invalidParams{msg: fmt.Sprintf("unknown tool %q", name)}
	}
}

// validateArgs checks required fields first (naming the missing field), then
// runs the compiled JSON schema for type errors.
func validateArgs(name ToolName, args json.RawMessage) error {
	tool, ok := lookupTool(string(name))
	if !ok {
		return &invalidParams{msg: fmt.Sprintf("unknown tool %q", name)}
	}

	var value map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &value); err != nil {
			return &invalidParams{msg: fmt.Sprintf("arguments must be an object: %v", err)}
		}
	}
	if value == nil {
		value = map[string]any{}
	}

	for _, field := range tool.InputSchema.Required {
		if _, ok := value[field]; !ok {
			return &invalidParams{msg: fmt.Sprintf("missing required argument %q", field)}
		}
	}

	if schema, ok := schemas[name]; ok {
		if err := schema.Validate(value); err != nil {
			return &invalidParams{msg: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}
	return nil
}

type pathArgs struct {
	PDFPath string `json:"pdf_path"`
}

func (s *Server) handleExtractText(ctx context.Context, raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	e, err := s.service.ExtractText(ctx, args.PDFPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"text":           e.Text,
		"num_pages":      e.NumPages,
		"num_characters": len(e.Text),
	}, nil
}

func (s *Server) handleExtractMeta(ctx context.Context, raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	meta, err := s.service.Metadata(ctx, args.PDFPath)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Server) handleSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		Needle        string `json:"needle"`
		CaseSensitive bool   `json:"case_sensitive"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	matches, err := s.service.Search(ctx, args.PDFPath, args.Needle, args.CaseSensitive)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []domain.PageMatch{}
	}
	return map[string]any{"matches": matches, "count": len(matches)}, nil
}

func (s *Server) handleIndex(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		Force bool `json:"force"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	return s.service.Index(ctx, args.PDFPath, args.Force)
}

func (s *Server) handleAnswer(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		Question string `json:"question"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	return s.service.AnswerFull(ctx, args.PDFPath, args.Question)
}

func (s *Server) handleAnswerRAG(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		Question string `json:"question"`
		TopK     int    `json:"top_k"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	return s.service.AnswerRAG(ctx, args.PDFPath, args.Question, args.TopK)
}

// multiAnswerEntry is one element of answer_multiple_questions_rag's output.
// Answer fields are present on success; Error on failure.
type multiAnswerEntry struct {
	Question string             `json:"question"`
	Answer   string             `json:"answer,omitempty"`
	Model    string             `json:"model,omitempty"`
	Usage    *domain.TokenUsage `json:"usage,omitempty"`
	Error    *jsonrpc.ErrorData `json:"error,omitempty"`
}

func (s *Server) handleAnswerMulti(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		Questions []string `json:"questions"`
		TopK      int      `json:"top_k"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	results, err := s.service.AnswerMultipleRAG(ctx, args.PDFPath, args.Questions, args.TopK)
	if err != nil {
		return nil, err
	}

	entries := make([]multiAnswerEntry, len(results))
	for i, r := range results {
		entries[i].Question = r.Question
		if r.Err != nil {
			entries[i].Error = &jsonrpc.ErrorData{Kind: domain.KindOf(r.Err), Detail: r.Err.Error()}
			continue
		}
		entries[i].Answer = r.Answer.Answer
		entries[i].Model = r.Answer.Model
		entries[i].Usage = r.Answer.Usage
	}
	return map[string]any{"answers": entries}, nil
}

func (s *Server) handleSummarize(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		MaxLength int `json:"max_length"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	answer, err := s.service.Summarize(ctx, args.PDFPath, args.MaxLength)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": answer.Answer, "model": answer.Model}, nil
}

func (s *Server) handleKeyPoints(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		pathArgs
		NumPoints int `json:"num_points"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	points, model, err := s.service.KeyPoints(ctx, args.PDFPath, args.NumPoints)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key_points": points, "model": model}, nil
}

func (s *Server) handleDeleteIndex(ctx context.Context, raw json.RawMessage) (any, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &invalidParams{msg: err.Error()}
	}
	if err := s.service.DeleteIndex(ctx, args.PDFPath); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": args.PDFPath}, nil
}

// toolResult wraps a payload the way MCP clients expect: a single text
// content block holding the JSON-encoded payload.
func toolResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %v", domain.ErrInternal, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
