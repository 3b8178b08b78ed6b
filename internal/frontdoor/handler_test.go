package frontdoor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/gateway"
)

type fakeInvoker struct {
	result    *domain.Result
	events    []domain.CanonicalEvent
	configID  string
	err       error
	lastReq   *domain.CanonicalRequest
	lastCalls []string
}

func (f *fakeInvoker) Complete(ctx context.Context, req *domain.CanonicalRequest) (*domain.Result, error) {
	f.lastReq = req
	f.lastCalls = append(f.lastCalls, "complete")
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeInvoker) Stream(ctx context.Context, req *domain.CanonicalRequest) (*gateway.Stream, error) {
	f.lastReq = req
	f.lastCalls = append(f.lastCalls, "stream")
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.CanonicalEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return &gateway.Stream{ConfigID: f.configID, Events: ch}, nil
}

func newTestRouter(inv Invoker) http.Handler {
	h := NewHandler(inv, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r := chi.NewRouter()
	for _, reg := range h.Registrations("/v1") {
		r.MethodFunc(reg.Method, reg.Path, reg.Handler)
	}
	return r
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestHandleInvoke(t *testing.T) {
	inv := &fakeInvoker{result: &domain.Result{
		Text:         "hello",
		UsedConfigID: "c1",
		Usage:        &domain.Usage{PromptTokens: 9, CompletionTokens: 1},
	}}
	h := newTestRouter(inv)

	rec := post(t, h, "/v1/invoke",
		`{"messages":[{"role":"user","content":"hi"}],"capability":"Vision","config_id":"c9","temperature":0.3,"timeout_ms":1500}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got domain.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "hello" || got.UsedConfigID != "c1" || got.Usage == nil || got.Usage.PromptTokens != 9 {
		t.Errorf("result = %+v", got)
	}

	req := inv.lastReq
	if req.Capability != domain.CapabilityVision {
		t.Errorf("capability = %q, want vision", req.Capability)
	}
	if req.ExplicitConfigID != "c9" {
		t.Errorf("config id = %q", req.ExplicitConfigID)
	}
	if req.TemperatureOverride == nil || *req.TemperatureOverride != 0.3 {
		t.Errorf("temperature = %v", req.TemperatureOverride)
	}
	if req.Timeout != 1500*time.Millisecond {
		t.Errorf("timeout = %v", req.Timeout)
	}
}

func TestHandleInvoke_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantKind   domain.ErrorKind
		wantCalled bool
	}{
		{"malformed json", `{"messages":`, nil, http.StatusBadRequest, domain.KindInvalidRequest, false},
		{"unknown field", `{"messages":[],"model":"x"}`, nil, http.StatusBadRequest, domain.KindInvalidRequest, false},
		{"negative timeout", `{"messages":[{"role":"user","content":"hi"}],"timeout_ms":-1}`, nil, http.StatusBadRequest, domain.KindInvalidRequest, false},
		{"no config", `{"messages":[{"role":"user","content":"hi"}]}`, domain.ErrNoConfigAvailable(domain.CapabilityChat), http.StatusServiceUnavailable, domain.KindNoConfigAvailable, true},
		{"config not found", `{"messages":[{"role":"user","content":"hi"}],"config_id":"x"}`, domain.ErrConfigNotFound("x"), http.StatusNotFound, domain.KindConfigNotFound, true},
		{"upstream", `{"messages":[{"role":"user","content":"hi"}]}`, domain.ErrUpstreamHTTP(500, "upstream returned status 500"), http.StatusBadGateway, domain.KindUpstreamHTTP, true},
		{"timeout", `{"messages":[{"role":"user","content":"hi"}]}`, domain.ErrTimeout("invocation deadline exceeded"), http.StatusGatewayTimeout, domain.KindTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{err: tt.err}
			rec := post(t, newTestRouter(inv), "/v1/invoke", tt.body)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Error domain.Error `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode %s: %v", rec.Body, err)
			}
			if body.Error.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", body.Error.Kind, tt.wantKind)
			}
			if called := len(inv.lastCalls) > 0; called != tt.wantCalled {
				t.Errorf("gateway called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestHandleStream(t *testing.T) {
	inv := &fakeInvoker{
		configID: "c1",
		events: []domain.CanonicalEvent{
			domain.TextDelta("hel", "hel"),
			domain.TextDelta("lo", "hello"),
			{Kind: domain.EventDone, Text: "hello", Usage: &domain.Usage{PromptTokens: 5, CompletionTokens: 1}},
		},
	}
	rec := post(t, newTestRouter(inv), "/v1/stream", `{"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}

	var delta DeltaFrame
	json.Unmarshal([]byte(events[1].data), &delta)
	if events[1].name != "delta" || delta.Delta != "lo" || delta.Text != "hello" {
		t.Errorf("second event = %+v", events[1])
	}
	var done DoneFrame
	json.Unmarshal([]byte(events[2].data), &done)
	if events[2].name != "done" || done.Text != "hello" || done.UsedConfigID != "c1" || done.Usage == nil {
		t.Errorf("done event = %+v", events[2])
	}
	if inv.lastCalls[0] != "stream" {
		t.Errorf("calls = %v", inv.lastCalls)
	}
}

func TestHandleStream_ErrorEvent(t *testing.T) {
	inv := &fakeInvoker{
		configID: "c1",
		events: []domain.CanonicalEvent{
			domain.ErrorEvent(domain.ErrUpstreamHTTP(500, "upstream returned status 500: boom")),
		},
	}
	rec := post(t, newTestRouter(inv), "/v1/stream", `{"messages":[{"role":"user","content":"hi"}]}`)

	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("events = %+v", events)
	}
	var frame domain.Error
	if err := json.Unmarshal([]byte(events[0].data), &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != domain.KindUpstreamHTTP || !strings.Contains(frame.Message, "boom") {
		t.Errorf("error frame = %+v", frame)
	}
}

func TestHandleStream_ResolutionFailureIsPlainJSON(t *testing.T) {
	inv := &fakeInvoker{err: domain.ErrDecryption("credential could not be decrypted")}
	rec := post(t, newTestRouter(inv), "/v1/stream", `{"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"decryption_error"`) {
		t.Errorf("body = %s", rec.Body)
	}
}
