// Package frontdoor is the caller-facing HTTP surface: a one-shot JSON
// endpoint and a Server-Sent Events streaming endpoint over the gateway.
package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/codec"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/gateway"
	"github.com/tjfontaine/capsule-gateway/internal/server"
)

// DefaultCloseTimeout bounds delivery of the terminal SSE frame.
const DefaultCloseTimeout = 2 * time.Second

const maxRequestBytes = 8 << 20

// Invoker is the part of the gateway the HTTP surface drives.
type Invoker interface {
	Complete(ctx context.Context, req *domain.CanonicalRequest) (*domain.Result, error)
	Stream(ctx context.Context, req *domain.CanonicalRequest) (*gateway.Stream, error)
}

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler func(http.ResponseWriter, *http.Request)
}

type Handler struct {
	gw           Invoker
	closeTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Handler)

// WithCloseTimeout bounds how long the terminal frame of a stream may take to write.
func WithCloseTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.closeTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(gw Invoker, opts ...Option) *Handler {
	h := &Handler{
		gw:           gw,
		closeTimeout: DefaultCloseTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registrations lists the routes served under basePath.
func (h *Handler) Registrations(basePath string) []HandlerRegistration {
	return []HandlerRegistration{
		{Path: basePath + "/invoke", Method: http.MethodPost, Handler: h.HandleInvoke},
		{Path: basePath + "/stream", Method: http.MethodPost, Handler: h.HandleStream},
	}
}

// InvokeRequest is the body of both endpoints.
type InvokeRequest struct {
	domain.CanonicalRequest

	// TimeoutMS overrides the gateway's default invocation deadline.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// DeltaFrame is the data of an `event: delta` frame.
type DeltaFrame struct {
	Delta string `json:"delta"`
	Text  string `json:"text"`
}

// DoneFrame is the data of an `event: done` frame.
type DoneFrame struct {
	Text         string        `json:"text"`
	UsedConfigID string        `json:"used_config_id"`
	Usage        *domain.Usage `json:"usage,omitempty"`
}

func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.gw.Complete(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "config_id", result.UsedConfigID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleStream answers with Server-Sent Events. Failures before the upstream
// is contacted are plain JSON errors; after that every failure is an
// `event: error` frame.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	stream, err := h.gw.Stream(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "config_id", stream.ConfigID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	// Keep draining after a write failure so the invocation can finish.
	writable := true
	for ev := range stream.Events {
		if !writable {
			continue
		}
		var name string
		var data any
		switch ev.Kind {
		case domain.EventDelta:
			name, data = "delta", DeltaFrame{Delta: ev.Delta, Text: ev.Text}
		case domain.EventDone:
			name, data = "done", DoneFrame{Text: ev.Text, UsedConfigID: stream.ConfigID, Usage: ev.Usage}
		case domain.EventError:
			name, data = "error", ev.Err
			server.AddLogField(r.Context(), "error_kind", string(ev.Err.Kind))
		default:
			continue
		}
		if ev.Terminal() {
			rc.SetWriteDeadline(time.Now().Add(h.closeTimeout))
		}
		if err := writeEvent(w, name, data); err != nil {
			h.logger.Debug("stream write failed",
				slog.String("request_id", server.GetRequestID(r.Context())),
				slog.String("error", err.Error()))
			writable = false
			continue
		}
		rc.Flush()
	}
}

func writeEvent(w http.ResponseWriter, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	gwErr := codec.ToCanonicalError(err)
	server.AddLogField(r.Context(), "error_kind", string(gwErr.Kind))
	codec.WriteError(w, gwErr)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*domain.CanonicalRequest, error) {
	var body InvokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return nil, domain.ErrInvalidRequest("invalid request body: " + err.Error())
	}
	if body.TimeoutMS < 0 {
		return nil, domain.ErrInvalidRequest("timeout_ms must not be negative")
	}

	req := body.CanonicalRequest
	if c, ok := domain.ParseCapability(string(req.Capability)); ok {
		req.Capability = c
	}
	req.Timeout = time.Duration(body.TimeoutMS) * time.Millisecond
	return &req, nil
}
