package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
)

const testKey = "sk-ant-test-secret"

func sseEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func textDelta(text string) string {
	b, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	return sseEvent("content_block_delta", string(b))
}

func streamBody(deltas ...string) string {
	var sb strings.Builder
	sb.WriteString(sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":0}}}`))
	sb.WriteString(sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	sb.WriteString(sseEvent("ping", `{"type":"ping"}`))
	for _, d := range deltas {
		sb.WriteString(textDelta(d))
	}
	sb.WriteString(sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`))
	sb.WriteString(sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`))
	sb.WriteString(sseEvent("message_stop", `{"type":"message_stop"}`))
	return sb.String()
}

func resolved(baseURL string) *domain.ResolvedContext {
	return &domain.ResolvedContext{
		Config: &domain.ModelConfig{
			ID:             "cfg-sdk",
			Model:          "claude-test",
			BaseURL:        baseURL,
			ProtocolFamily: domain.FamilySDKStreaming,
		},
		APIKey: []byte(testKey),
	}
}

func collect(t *testing.T, up *stream.Upstream) []domain.CanonicalEvent {
	t.Helper()
	var events []domain.CanonicalEvent
	for ev := range stream.NewNormalizer().Normalize(context.Background(), up) {
		events = append(events, ev)
	}
	return events
}

func TestAdapter_Stream(t *testing.T) {
	var gotBody map[string]any
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		gotKey = r.Header.Get("X-Api-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, streamBody("Hel", "lo"))
	}))
	defer srv.Close()

	temp := 0.2
	req := &domain.CanonicalRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		TemperatureOverride: &temp,
		Stream:              true,
	}

	a := New(WithHTTPClient(srv.Client()), WithMaxTokens(128))
	up, err := a.Open(context.Background(), req, resolved(srv.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if up.Framing != stream.FramingChunks {
		t.Errorf("Framing = %v, want chunks", up.Framing)
	}

	events := collect(t, up)
	want := []domain.CanonicalEvent{
		domain.TextDelta("Hel", "Hel"),
		domain.TextDelta("lo", "Hello"),
		domain.Done("Hello"),
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
	for i := range want {
		if events[i].Kind != want[i].Kind || events[i].Delta != want[i].Delta || events[i].Text != want[i].Text {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}

	if gotKey != testKey {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotBody["model"] != "claude-test" || gotBody["max_tokens"] != float64(128) || gotBody["temperature"] != 0.2 {
		t.Errorf("request body = %v", gotBody)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v, want system and user merged into one turn", gotBody["messages"])
	}
	if role := msgs[0].(map[string]any)["role"]; role != "user" {
		t.Errorf("role = %v, want user", role)
	}
}

func TestAdapter_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key `+testKey+`"}}`)
	}))
	defer srv.Close()

	req := &domain.CanonicalRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}, Stream: true}
	_, err := New(WithHTTPClient(srv.Client())).Open(context.Background(), req, resolved(srv.URL))

	gwErr, ok := domain.AsError(err)
	if !ok {
		t.Fatalf("Open() error = %v, want *domain.Error", err)
	}
	if gwErr.Kind != domain.KindUpstreamHTTP || gwErr.UpstreamStatus != http.StatusUnauthorized {
		t.Errorf("error = %+v", gwErr)
	}
	if strings.Contains(gwErr.Message, testKey) {
		t.Errorf("error message leaks the key: %q", gwErr.Message)
	}
}

func TestAdapter_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, textDelta("partial"))
		_, _ = io.WriteString(w, sseEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	req := &domain.CanonicalRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}, Stream: true}
	up, err := New(WithHTTPClient(srv.Client())).Open(context.Background(), req, resolved(srv.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	events := collect(t, up)
	last := events[len(events)-1]
	if last.Kind != domain.EventError || last.Err.Kind != domain.KindUpstreamHTTP {
		t.Fatalf("last event = %+v, want upstream_http_error", last)
	}
	if !strings.Contains(last.Err.Message, "Overloaded") {
		t.Errorf("message = %q", last.Err.Message)
	}
}

func TestAdapter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	req := &domain.CanonicalRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}}
	_, err := New().Open(context.Background(), req, resolved(url))
	if domain.KindOf(err) != domain.KindUpstreamUnreachable {
		t.Errorf("Open() error = %v, want upstream_unreachable", err)
	}
}

func TestToMessages(t *testing.T) {
	msgs := ToMessages([]domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: "a1"},
		{Role: domain.RoleAssistant, Content: "a2"},
		{Role: domain.RoleUser, Content: ""},
		{Role: domain.RoleUser, Content: "q2"},
	})

	wantRoles := []string{"user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("len = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if string(msgs[i].Role) != role {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if got := msgs[0].Content[0].OfText.Text; got != "sys\n\nq1" {
		t.Errorf("merged user text = %q", got)
	}
	if got := msgs[1].Content[0].OfText.Text; got != "a1\n\na2" {
		t.Errorf("merged assistant text = %q", got)
	}
}
