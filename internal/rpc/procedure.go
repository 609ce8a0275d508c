package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/ecoscan/internal/metrics"
	"github.com/marcus-qen/ecoscan/internal/telemetry"
	"github.com/marcus-qen/ecoscan/internal/validate"
	"go.uber.org/zap"
)

// Kind distinguishes read-only queries from mutations.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Handler runs a procedure once guards and validation have passed.
type Handler func(ctx context.Context, c *Context, input any) (any, error)

// Procedure is a named, guarded operation.
type Procedure struct {
	Name   string
	Kind   Kind
	Guards Chain
	// Input returns a fresh pointer to decode the request into. Nil means
	// the procedure takes no input.
	Input   func() any
	Handler Handler
}

// Empty is the input type of procedures without parameters.
type Empty struct{}

// Normalizer is implemented by inputs that clean themselves up (trim,
// lowercase) before validation.
type Normalizer interface {
	Normalize()
}

// Query builds a query procedure with typed input.
func Query[I any](name string, guards Chain, fn func(ctx context.Context, c *Context, in *I) (any, error)) *Procedure {
	return typed(name, KindQuery, guards, fn)
}

// Mutation builds a mutation procedure with typed input.
func Mutation[I any](name string, guards Chain, fn func(ctx context.Context, c *Context, in *I) (any, error)) *Procedure {
	return typed(name, KindMutation, guards, fn)
}

func typed[I any](name string, kind Kind, guards Chain, fn func(ctx context.Context, c *Context, in *I) (any, error)) *Procedure {
	return &Procedure{
		Name:   name,
		Kind:   kind,
		Guards: guards,
		Input:  func() any { return new(I) },
		Handler: func(ctx context.Context, c *Context, input any) (any, error) {
			return fn(ctx, c, input.(*I))
		},
	}
}

// Result is a successful procedure outcome.
type Result struct {
	Value    any
	Warnings []string
}

// Info describes a registered procedure for the listing endpoint.
type Info struct {
	Name   string   `json:"name"`
	Kind   Kind     `json:"kind"`
	Guards []string `json:"guards"`
}

// Router holds the registered procedures and runs calls through the
// guard, validation and handler stages.
type Router struct {
	mu      sync.RWMutex
	procs   map[string]*Procedure
	mappers []ErrorMapper
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRouter creates an empty router. m may be nil.
func NewRouter(m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		procs:   make(map[string]*Procedure),
		metrics: m,
		logger:  logger.Named("rpc"),
	}
}

// Register adds procedures. Registering a duplicate name panics.
func (rt *Router) Register(procs ...*Procedure) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, p := range procs {
		if p.Name == "" || p.Handler == nil {
			panic("rpc: procedure needs a name and handler")
		}
		if _, dup := rt.procs[p.Name]; dup {
			panic(fmt.Sprintf("rpc: duplicate procedure %q", p.Name))
		}
		rt.procs[p.Name] = p
	}
}

// MapErrors adds domain error mappers, consulted in registration order.
func (rt *Router) MapErrors(mappers ...ErrorMapper) {
	rt.mu.Lock()
	rt.mappers = append(rt.mappers, mappers...)
	rt.mu.Unlock()
}

// Lookup returns a registered procedure.
func (rt *Router) Lookup(name string) (*Procedure, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.procs[name]
	return p, ok
}

// List describes every procedure, sorted by name.
func (rt *Router) List() []Info {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Info, 0, len(rt.procs))
	for _, p := range rt.procs {
		out = append(out, Info{Name: p.Name, Kind: p.Kind, Guards: p.Guards.Names()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs procedure name with the raw JSON input. Guards run before the
// input is decoded, so rejected calls never reach validation or the store.
func (rt *Router) Call(ctx context.Context, name string, c *Context, raw []byte) (*Result, *Error) {
	p, ok := rt.Lookup(name)
	if !ok {
		return nil, NotFound(fmt.Sprintf("unknown procedure %q", name))
	}
	if c == nil {
		c = &Context{Now: time.Now().UTC()}
	}

	start := time.Now()
	ctx, span := telemetry.StartProcedureSpan(ctx, p.Name, string(p.Kind))
	code := codeOK
	defer func() {
		d := time.Since(start)
		rt.metrics.RecordProcedure(p.Name, code, d)
		telemetry.EndProcedureSpan(span, code, c.Authenticated())
		rt.logger.Info("procedure call",
			zap.String("procedure", p.Name),
			zap.String("code", code),
			zap.String("request_id", c.RequestID),
			zap.String("user_id", c.UserID()),
			zap.Duration("duration", d),
		)
	}()

	gc, err := p.Guards.Check(ctx, c)
	if err != nil {
		rerr := rt.resolve(p.Name, err)
		code = string(rerr.Code)
		return nil, rerr
	}

	var input any
	if p.Input != nil {
		input = p.Input()
		if err := decodeInput(raw, input); err != nil {
			code = string(CodeBadRequest)
			return nil, BadRequest(err.Error())
		}
		if n, ok := input.(Normalizer); ok {
			n.Normalize()
		}
		if err := validate.Struct(input); err != nil {
			rerr := rt.resolve(p.Name, err)
			code = string(rerr.Code)
			return nil, rerr
		}
	}

	value, err := p.Handler(ctx, gc, input)
	if err != nil {
		rerr := rt.resolve(p.Name, err)
		code = string(rerr.Code)
		return nil, rerr
	}
	return &Result{Value: value, Warnings: gc.Warnings()}, nil
}

func (rt *Router) resolve(procedure string, err error) *Error {
	rt.mu.RLock()
	mappers := rt.mappers
	rt.mu.RUnlock()

	rerr, internal := toError(err, mappers)
	if internal {
		rt.logger.Error("procedure failed", zap.String("procedure", procedure), zap.Error(err))
	}
	return rerr
}

func decodeInput(raw []byte, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid input: trailing data")
	}
	return nil
}
