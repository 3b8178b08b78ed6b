package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

// invocation is the relay stage of one call: it forwards normalized events
// to the caller and closes out the span, deadline and log line.
type invocation struct {
	g      *Gateway
	req    *domain.CanonicalRequest
	cfg    *domain.ModelConfig
	span   trace.Span
	cancel context.CancelFunc
	parent context.Context
	out    chan<- domain.CanonicalEvent
	start  time.Time
}

// relay forwards events until the terminal one. If the caller goes away the
// remaining events are drained so the normalizer can finish closing the
// upstream.
func (inv *invocation) relay(events <-chan domain.CanonicalEvent) {
	defer inv.cancel()
	defer close(inv.out)

	deliver := true
	deltas := 0
	for ev := range events {
		switch ev.Kind {
		case domain.EventDelta:
			deltas++
		case domain.EventDone:
			usage := inv.g.usage.Usage(inv.cfg.Model, inv.req.Messages, ev.Text)
			ev.Usage = &usage
			inv.finish(nil, deltas, &usage)
		case domain.EventError:
			inv.finish(ev.Err, deltas, nil)
		}
		if !deliver {
			continue
		}
		select {
		case inv.out <- ev:
		case <-inv.parent.Done():
			deliver = false
		}
	}
}

// fail delivers a single terminal error for an upstream call that never opened.
func (inv *invocation) fail(err *domain.Error) {
	defer inv.cancel()
	defer close(inv.out)

	inv.finish(err, 0, nil)
	select {
	case inv.out <- domain.ErrorEvent(err):
	case <-inv.parent.Done():
	}
}

func (inv *invocation) finish(err *domain.Error, deltas int, usage *domain.Usage) {
	attrs := []any{
		slog.String("config_id", inv.cfg.ID),
		slog.String("capability", string(inv.req.Capability)),
		slog.String("protocol_family", string(inv.cfg.ProtocolFamily)),
		slog.Bool("stream", inv.req.Stream),
		slog.Int("deltas", deltas),
		slog.Duration("duration", time.Since(inv.start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error_kind", string(err.Kind)))
		if err.UpstreamStatus != 0 {
			attrs = append(attrs, slog.Int("upstream_status", err.UpstreamStatus))
		}
		inv.g.logger.Warn("invocation failed", attrs...)
		endSpan(inv.span, err)
		return
	}

	attrs = append(attrs,
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens))
	inv.g.logger.Info("invocation completed", attrs...)
	inv.span.SetAttributes(
		attribute.Int("prompt_tokens", usage.PromptTokens),
		attribute.Int("completion_tokens", usage.CompletionTokens))
	endSpan(inv.span, nil)
}
