// Package stream turns raw upstream responses into canonical events.
//
// Every stream produced here is zero or more delta events followed by
// exactly one terminal event, after which the channel is closed.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/codec"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

// Framing describes how an upstream delivers content.
type Framing int

const (
	// FramingSSE is a data:-framed line stream.
	FramingSSE Framing = iota
	// FramingJSONBody is a single JSON document.
	FramingJSONBody
	// FramingChunks is a sequence of text fragments from a vendor SDK.
	FramingChunks
)

func (f Framing) String() string {
	switch f {
	case FramingSSE:
		return "sse"
	case FramingJSONBody:
		return "json"
	case FramingChunks:
		return "chunks"
	}
	return "unknown"
}

// ChunkSource is a pull-based sequence of text fragments.
type ChunkSource interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

// Upstream is an opened upstream response, ready to normalize.
type Upstream struct {
	Framing Framing
	Body    io.ReadCloser
	Chunks  ChunkSource

	// Secrets are redacted from any upstream text copied into errors. They
	// hold the plaintext key for the life of the response.
	Secrets []string

	closeOnce sync.Once
	closeErr  error
}

// Close releases the underlying connection. It is safe to call more than once.
func (u *Upstream) Close() error {
	u.closeOnce.Do(func() {
		switch {
		case u.Body != nil:
			u.closeErr = u.Body.Close()
		case u.Chunks != nil:
			u.closeErr = u.Chunks.Close()
		}
	})
	return u.closeErr
}

const (
	readChunkSize       = 4 << 10
	maxJSONBody         = 8 << 20
	defaultBuffer       = 16
	defaultCloseTimeout = 2 * time.Second
)

// Normalizer converts Upstreams to canonical event streams.
type Normalizer struct {
	buffer       int
	closeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithBuffer bounds how many events may be in flight ahead of the consumer.
func WithBuffer(n int) Option {
	return func(nz *Normalizer) {
		if n > 0 {
			nz.buffer = n
		}
	}
}

// WithCloseTimeout bounds how long closing the upstream may block.
func WithCloseTimeout(d time.Duration) Option {
	return func(nz *Normalizer) {
		if d > 0 {
			nz.closeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(nz *Normalizer) { nz.logger = l }
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	nz := &Normalizer{
		buffer:       defaultBuffer,
		closeTimeout: defaultCloseTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(nz)
	}
	return nz
}

// Normalize starts consuming up and returns the event channel. When ctx ends
// the upstream is closed, remaining deltas are dropped and a Timeout or
// Cancelled terminal event is emitted.
func (nz *Normalizer) Normalize(ctx context.Context, up *Upstream) <-chan domain.CanonicalEvent {
	out := make(chan domain.CanonicalEvent, nz.buffer)
	finished := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			nz.closeUpstream(up)
		case <-finished:
		}
	}()

	go func() {
		defer close(out)
		defer close(finished)
		defer nz.closeUpstream(up)

		run := &run{ctx: ctx, out: out, up: up, logger: nz.logger, closeTimeout: nz.closeTimeout}
		var terminal domain.CanonicalEvent
		switch up.Framing {
		case FramingSSE:
			terminal = run.sse()
		case FramingJSONBody:
			terminal = run.jsonBody()
		case FramingChunks:
			terminal = run.chunks()
		default:
			terminal = domain.ErrorEvent(domain.ErrMalformedUpstreamResponse("unknown upstream framing"))
		}
		run.finish(terminal)
	}()

	return out
}

// closeUpstream closes up without blocking longer than the close timeout.
func (nz *Normalizer) closeUpstream(up *Upstream) {
	done := make(chan struct{})
	go func() {
		_ = up.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(nz.closeTimeout):
		nz.logger.Warn("upstream close timed out", slog.Duration("timeout", nz.closeTimeout))
	}
}

// run is the state of one normalization.
type run struct {
	ctx          context.Context
	out          chan<- domain.CanonicalEvent
	up           *Upstream
	logger       *slog.Logger
	closeTimeout time.Duration

	acc       strings.Builder
	unmatched int
}

// emit sends a delta unless the consumer context has ended.
func (r *run) emit(delta string) bool {
	r.acc.WriteString(delta)
	select {
	case r.out <- domain.TextDelta(delta, r.acc.String()):
		return true
	case <-r.ctx.Done():
		return false
	}
}

// finish sends the terminal event, waiting at most closeTimeout for a consumer.
func (r *run) finish(ev domain.CanonicalEvent) {
	if ev.Kind == domain.EventError {
		r.logger.Debug("stream terminated with error",
			slog.String("error_kind", string(ev.Err.Kind)),
			slog.String("framing", r.up.Framing.String()))
	}
	timer := time.NewTimer(r.closeTimeout)
	defer timer.Stop()
	select {
	case r.out <- ev:
	case <-timer.C:
		r.logger.Warn("dropped terminal event, consumer gone")
	}
}

// complete is the terminal event for a cleanly closed source.
func (r *run) complete() domain.CanonicalEvent {
	if r.acc.Len() == 0 {
		return domain.ErrorEvent(domain.ErrEmptyStream())
	}
	return domain.Done(r.acc.String())
}

// frame applies one payload. It returns a terminal event when the frame ends the stream.
func (r *run) frame(data []byte) (domain.CanonicalEvent, bool) {
	m, ok := MatchFrame(data)
	if !ok {
		r.unmatched++
		r.logger.Warn("skipping unrecognized upstream frame",
			slog.String("sample", codec.SanitizeUpstreamBody(data, r.up.Secrets...)))
		return domain.CanonicalEvent{}, false
	}
	if m.IsError() {
		msg := codec.SanitizeUpstreamBody([]byte(m.ErrMessage), r.up.Secrets...)
		return domain.ErrorEvent(domain.ErrUpstreamHTTP(0, "upstream error: "+msg)), true
	}
	if m.Text == "" {
		return domain.CanonicalEvent{}, false
	}
	if !r.emit(m.Text) {
		return domain.ErrorEvent(codec.FromContext(r.ctx)), true
	}
	return domain.CanonicalEvent{}, false
}

func (r *run) sse() domain.CanonicalEvent {
	var framer LineFramer
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.up.Body.Read(buf)
		if n > 0 {
			for _, fr := range framer.Feed(buf[:n]) {
				if fr.Done {
					return r.complete()
				}
				if ev, stop := r.frame(fr.Data); stop {
					return ev
				}
			}
			if framer.Err() != nil {
				r.logger.Warn("upstream line exceeds limit", slog.Int("max_bytes", DefaultMaxLine))
				return domain.ErrorEvent(domain.ErrMalformedUpstreamResponse("upstream sent a line longer than the framing limit"))
			}
		}
		if errors.Is(err, io.EOF) {
			for _, fr := range framer.Flush() {
				if fr.Done {
					break
				}
				if ev, stop := r.frame(fr.Data); stop {
					return ev
				}
			}
			return r.complete()
		}
		if err != nil {
			return domain.ErrorEvent(codec.ClassifyTransportError(r.ctx, err, r.up.Secrets...))
		}
	}
}

func (r *run) jsonBody() domain.CanonicalEvent {
	data, err := io.ReadAll(io.LimitReader(r.up.Body, maxJSONBody))
	if err != nil {
		return domain.ErrorEvent(codec.ClassifyTransportError(r.ctx, err, r.up.Secrets...))
	}
	m, ok := MatchFrame(data)
	if !ok {
		sample := codec.SanitizeUpstreamBody(data, r.up.Secrets...)
		r.logger.Warn("unrecognized upstream response", slog.String("sample", sample))
		return domain.ErrorEvent(domain.ErrMalformedUpstreamResponse("unrecognized upstream response shape"))
	}
	if m.IsError() {
		msg := codec.SanitizeUpstreamBody([]byte(m.ErrMessage), r.up.Secrets...)
		return domain.ErrorEvent(domain.ErrUpstreamHTTP(0, "upstream error: "+msg))
	}
	if m.Text == "" {
		return domain.ErrorEvent(domain.ErrEmptyStream())
	}
	if !r.emit(m.Text) {
		return domain.ErrorEvent(codec.FromContext(r.ctx))
	}
	return r.complete()
}

func (r *run) chunks() domain.CanonicalEvent {
	src := r.up.Chunks
	for src.Next() {
		text := src.Text()
		if text == "" {
			continue
		}
		if !r.emit(text) {
			return domain.ErrorEvent(codec.FromContext(r.ctx))
		}
	}
	if err := src.Err(); err != nil {
		return domain.ErrorEvent(codec.ClassifyTransportError(r.ctx, err, r.up.Secrets...))
	}
	return r.complete()
}
