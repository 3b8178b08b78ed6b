// Package gateway is the single entry point for inference calls.
//
// Every invocation runs the same fixed pipeline:
//
//	Resolve -> Decrypt -> Build/Call upstream -> Normalize -> relay
//
// Resolution and decryption failures are returned synchronously before any
// upstream traffic. Anything that goes wrong once the upstream call has been
// attempted arrives as the terminal Error event of the stream.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/capsule-gateway/internal/codec"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
	"github.com/tjfontaine/capsule-gateway/internal/provider/registry"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
	"github.com/tjfontaine/capsule-gateway/internal/tokens"
)

// DefaultTimeout bounds an invocation that carries no timeout of its own.
const DefaultTimeout = 120 * time.Second

var tracer = otel.Tracer("github.com/tjfontaine/capsule-gateway/internal/gateway")

// Resolver picks the configuration for a request.
type Resolver interface {
	Resolve(ctx context.Context, capability domain.Capability, explicitID string) (*domain.ModelConfig, error)
}

// Gateway orchestrates resolution, credential handling, adapters and the
// stream normalizer. It holds no per-request state.
type Gateway struct {
	resolver   Resolver
	vault      ports.Vault
	adapters   *registry.Registry
	normalizer *stream.Normalizer
	usage      *tokens.Estimator
	timeout    time.Duration
	buffer     int
	logger     *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithNormalizer sets the stream normalizer.
func WithNormalizer(n *stream.Normalizer) Option {
	return func(g *Gateway) { g.normalizer = n }
}

// WithEstimator sets the usage estimator.
func WithEstimator(e *tokens.Estimator) Option {
	return func(g *Gateway) { g.usage = e }
}

// WithDefaultTimeout sets the deadline applied when a request has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBuffer sets how many events may be in flight to a slow consumer.
func WithBuffer(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway.
func New(resolver Resolver, vault ports.Vault, adapters *registry.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		resolver: resolver,
		vault:    vault,
		adapters: adapters,
		timeout:  DefaultTimeout,
		buffer:   16,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.normalizer == nil {
		g.normalizer = stream.NewNormalizer(stream.WithBuffer(g.buffer), stream.WithLogger(g.logger))
	}
	if g.usage == nil {
		g.usage = tokens.NewEstimator(tokens.WithLogger(g.logger))
	}
	return g
}

// Stream is a live invocation. Events ends with exactly one Done or Error
// event and is then closed. The consumer must either drain Events or cancel
// the context it passed to Invoke.
type Stream struct {
	ConfigID string
	Events   <-chan domain.CanonicalEvent
}

// Invoke runs req and returns its event stream. The returned error is
// non-nil only for failures that happen before the upstream is contacted:
// invalid request, resolution, decryption and adapter lookup.
func (g *Gateway) Invoke(ctx context.Context, req *domain.CanonicalRequest) (*Stream, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("capability", string(req.Capability)),
		attribute.Bool("stream", req.Stream),
	))
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	fail := func(err *domain.Error) (*Stream, error) {
		cancel()
		endSpan(span, err)
		g.logger.Warn("invocation rejected",
			slog.String("capability", string(req.Capability)),
			slog.String("error_kind", string(err.Kind)))
		return nil, err
	}

	cfg, err := g.resolver.Resolve(callCtx, req.Capability, req.ExplicitConfigID)
	if err != nil {
		return fail(codec.ToCanonicalError(err))
	}
	span.SetAttributes(
		attribute.String("config_id", cfg.ID),
		attribute.String("protocol_family", string(cfg.ProtocolFamily)))

	key, err := g.vault.Decrypt(cfg.EncryptedAPIKey)
	if err != nil {
		if gwErr, ok := domain.AsError(err); ok {
			return fail(gwErr)
		}
		return fail(domain.ErrDecryption("credential could not be decrypted"))
	}
	rc := &domain.ResolvedContext{Config: cfg, APIKey: key}

	adapter, err := g.adapters.Lookup(cfg.ProtocolFamily)
	if err != nil {
		rc.Zero()
		return fail(codec.ToCanonicalError(err))
	}

	out := make(chan domain.CanonicalEvent, g.buffer)
	inv := &invocation{
		g:      g,
		req:    req,
		cfg:    cfg,
		span:   span,
		cancel: cancel,
		parent: ctx,
		out:    out,
		start:  start,
	}

	up, err := adapter.Open(callCtx, req, rc)
	rc.Zero()
	if err != nil {
		go inv.fail(codec.ClassifyTransportError(callCtx, err))
	} else {
		go inv.relay(g.normalizer.Normalize(callCtx, up))
	}

	return &Stream{ConfigID: cfg.ID, Events: out}, nil
}

// Complete runs req as a one-shot call and returns the final text.
func (g *Gateway) Complete(ctx context.Context, req *domain.CanonicalRequest) (*domain.Result, error) {
	oneShot := *req
	oneShot.Stream = false

	s, err := g.Invoke(ctx, &oneShot)
	if err != nil {
		return nil, err
	}

	var result *domain.Result
	var failure *domain.Error
	for ev := range s.Events {
		switch ev.Kind {
		case domain.EventDone:
			result = &domain.Result{Text: ev.Text, UsedConfigID: s.ConfigID, Usage: ev.Usage}
		case domain.EventError:
			failure = ev.Err
		}
	}
	if failure != nil {
		return nil, failure
	}
	if result == nil {
		return nil, domain.ErrInternal("stream ended without a terminal event")
	}
	return result, nil
}

// Stream runs req as a streaming call.
func (g *Gateway) Stream(ctx context.Context, req *domain.CanonicalRequest) (*Stream, error) {
	streaming := *req
	streaming.Stream = true
	return g.Invoke(ctx, &streaming)
}

// Validate rejects requests no configuration could serve. An empty
// capability means chat.
func Validate(req *domain.CanonicalRequest) error {
	if req == nil {
		return domain.ErrInvalidRequest("request is required")
	}
	if req.Capability == "" {
		req.Capability = domain.CapabilityChat
	}
	if !req.Capability.Valid() {
		return domain.ErrInvalidRequest("unknown capability " + string(req.Capability))
	}
	if len(req.Messages) == 0 {
		return domain.ErrInvalidRequest("at least one message is required")
	}
	if req.Timeout < 0 {
		return domain.ErrInvalidRequest("timeout must not be negative")
	}
	for i, m := range req.Messages {
		for _, img := range m.Images {
			if _, err := codec.ParseImageRef(img); err != nil {
				return domain.ErrInvalidRequest(fmt.Sprintf("message %d: %v", i, err))
			}
		}
	}
	return nil
}

func endSpan(span trace.Span, err *domain.Error) {
	if err != nil {
		span.SetAttributes(attribute.String("error_kind", string(err.Kind)))
		span.SetStatus(codes.Error, string(err.Kind))
	}
	span.End()
}
