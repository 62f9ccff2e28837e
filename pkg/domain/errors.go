package domain

import (
	"errors"
	"net/http"
)

var (
	ErrBadInput           = errors.New("bad input")
	ErrUnknownHandle      = errors.New("unknown document handle")
	ErrExtractFailed      = errors.New("pdf extraction failed")
	ErrLowYield           = errors.New("document yields too little text")
	ErrEmbedFailed        = errors.New("embedding generation failed")
	ErrIndexUnavailable   = errors.New("document index unavailable")
	ErrModelTransient     = errors.New("completion endpoint temporarily unavailable")
	ErrModelPermanent     = errors.New("completion endpoint rejected the request")
	ErrModelTimeout       = errors.New("completion deadline exceeded")
	ErrBackendUnavailable = errors.New("tool server unavailable")
	ErrInternal           = errors.New("internal error")
)

// Wire-level error kinds. These travel inside JSON-RPC error payloads and
// HTTP error bodies; clients branch on them, so the strings are contract.
const (
	KindBadInput           = "bad_input"
	KindUnknownHandle      = "unknown_handle"
	KindExtractFailed      = "extract_failed"
	KindLowYield           = "low_yield"
	KindEmbedFailed        = "embed_failed"
	KindIndexUnavailable   = "index_unavailable"
	KindModelTransient     = "model_transient"
	KindModelPermanent     = "model_permanent"
	KindModelTimeout       = "model_timeout"
	KindBackendUnavailable = "backend_unavailable"
	KindInternal           = "internal"
)

var kindBySentinel = []struct {
	err  error
	kind string
}{
	{ErrBadInput, KindBadInput},
	{ErrUnknownHandle, KindUnknownHandle},
	{ErrLowYield, KindLowYield},
	{ErrExtractFailed, KindExtractFailed},
	{ErrEmbedFailed, KindEmbedFailed},
	{ErrIndexUnavailable, KindIndexUnavailable},
	{ErrModelTimeout, KindModelTimeout},
	{ErrModelTransient, KindModelTransient},
	{ErrModelPermanent, KindModelPermanent},
	{ErrBackendUnavailable, KindBackendUnavailable},
	{ErrInternal, KindInternal},
}

// KindOf reports the wire kind for err. Unrecognized errors are internal.
func KindOf(err error) string {
	for _, m := range kindBySentinel {
		if errors.Is(err, m.err) {
			return m.kind
		}
	}
	return KindInternal
}

var sentinelByKind = func() map[string]error {
	m := make(map[string]error, len(kindBySentinel))
	for _, e := range kindBySentinel {
		m[e.kind] = e.err
	}
	return m
}()

// SentinelFor returns the sentinel error for a wire kind, so errors crossing
// the JSON-RPC boundary can be rehydrated and matched with errors.Is.
func SentinelFor(kind string) error {
	if err, ok := sentinelByKind[kind]; ok {
		return err
	}
	return ErrInternal
}

// HTTPStatus maps a wire kind to the status code the proxy responds with.
func HTTPStatus(kind string) int {
	switch kind {
	case KindBadInput:
		return http.StatusBadRequest
	case KindUnknownHandle:
		return http.StatusNotFound
	case KindExtractFailed, KindLowYield:
		return http.StatusBadRequest
	case KindEmbedFailed:
		return http.StatusInternalServerError
	case KindIndexUnavailable, KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindModelTransient, KindModelPermanent:
		return http.StatusBadGateway
	case KindModelTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
