// Package jsonrpc implements the newline-framed JSON-RPC 2.0 wire format the
// tool server speaks on stdio. One JSON object per line, requests on stdin,
// responses on stdout, correlation by id.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Error codes. The negative 327xx range is reserved by the JSON-RPC spec;
// -32000 carries tool failures with a structured data payload.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeToolError      = -32000
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorData is the structured payload inside tool-failure errors. Kind is one
// of the wire error kinds; Detail is human-readable.
type ErrorData struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// NewRequest builds a call with the given id. Params must marshal cleanly;
// a marshal failure here is a programming error.
func NewRequest(id int64, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	return &Request{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response carrying result.
func NewResponse(id *int64, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response. data may be nil.
func NewErrorResponse(id *int64, code int, message string, data any) *Response {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &Response{JSONRPC: Version, ID: id, Error: e}
}

// ToolError builds the -32000 response for a recognized-but-failed
// operation, carrying {kind, detail} for the caller to classify.
func ToolError(id *int64, kind, detail string) *Response {
	return NewErrorResponse(id, CodeToolError, detail, ErrorData{Kind: kind, Detail: detail})
}
