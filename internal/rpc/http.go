package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler exposes a Router over HTTP:
//
//	GET  /api/rpc                    procedure listing
//	GET  /api/rpc/{procedure}?input= queries
//	POST /api/rpc/{procedure}        mutations (and queries), JSON body
type HTTPHandler struct {
	router   *Router
	builder  *ContextBuilder
	maxBytes int64
	logger   *zap.Logger
}

// NewHTTPHandler creates the HTTP binding. maxBytes caps POST bodies.
func NewHTTPHandler(router *Router, builder *ContextBuilder, maxBytes int64, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &HTTPHandler{router: router, builder: builder, maxBytes: maxBytes, logger: logger.Named("rpc-http")}
}

type successEnvelope struct {
	Result   any      `json:"result"`
	Warnings []string `json:"warnings,omitempty"`
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

// Index lists every procedure with its kind and guards.
func (h *HTTPHandler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"procedures": h.router.List()})
}

// Serve handles one procedure call. The procedure name comes from the
// {procedure} path value.
func (h *HTTPHandler) Serve(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("procedure")
	p, ok := h.router.Lookup(name)
	if !ok {
		writeError(w, NotFound("unknown procedure "+name))
		return
	}

	var raw []byte
	switch r.Method {
	case http.MethodGet:
		if p.Kind == KindMutation {
			writeError(w, Errorf(CodeMethodNotAllowed, "%s is a mutation; use POST", name))
			return
		}
		raw = []byte(r.URL.Query().Get("input"))
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBytes+1))
		if err != nil {
			writeError(w, BadRequest("could not read request body"))
			return
		}
		if int64(len(body)) > h.maxBytes {
			writeError(w, BadRequest("request body too large"))
			return
		}
		raw = body
	default:
		writeError(w, Errorf(CodeMethodNotAllowed, "method %s not allowed", r.Method))
		return
	}

	c := h.builder.Build(r)
	res, rerr := h.router.Call(r.Context(), name, c, raw)
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, successEnvelope{Result: res.Value, Warnings: res.Warnings})
}

func writeError(w http.ResponseWriter, e *Error) {
	writeJSON(w, e.Code.HTTPStatus(), errorEnvelope{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
