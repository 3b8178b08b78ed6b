package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openaiapi "github.com/tjfontaine/capsule-gateway/internal/api/openai"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
	"github.com/tjfontaine/capsule-gateway/internal/testutil"
)

const testKey = "sk-openai-test"

func resolved(baseURL string) *domain.ResolvedContext {
	temp := 0.3
	return &domain.ResolvedContext{
		Config: &domain.ModelConfig{
			ID:             "cfg-chat",
			Model:          "gpt-4o-mini",
			BaseURL:        baseURL,
			Temperature:    &temp,
			ProtocolFamily: domain.FamilyOpenAICompatible,
		},
		APIKey: []byte(testKey),
	}
}

func terminal(up *stream.Upstream) (events []domain.CanonicalEvent) {
	for ev := range stream.NewNormalizer().Normalize(context.Background(), up) {
		events = append(events, ev)
	}
	return events
}

func TestAdapter_Replay(t *testing.T) {
	tests := []struct {
		name       string
		cassette   string
		stream     bool
		wantFrames stream.Framing
		wantDeltas int
	}{
		{"one-shot", "chat_completion_one_shot", false, stream.FramingJSONBody, 1},
		{"streaming", "chat_completion_stream", true, stream.FramingSSE, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, cleanup := testutil.NewVCRRecorder(t, tt.cassette)
			defer cleanup()

			a := New(testutil.VCRHTTPClient(r))
			req := &domain.CanonicalRequest{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "Say hello"}},
				Stream:   tt.stream,
			}
			up, err := a.Open(context.Background(), req, resolved("https://api.openai.example/v1"))
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if up.Framing != tt.wantFrames {
				t.Errorf("Framing = %v, want %v", up.Framing, tt.wantFrames)
			}

			events := terminal(up)
			last := events[len(events)-1]
			if last.Kind != domain.EventDone || last.Text != "Hello there!" {
				t.Errorf("terminal = %+v, want Done(Hello there!)", last)
			}
			if got := len(events) - 1; got != tt.wantDeltas {
				t.Errorf("deltas = %d, want %d", got, tt.wantDeltas)
			}
		})
	}
}

func TestAdapter_StatusErrorRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided: `+testKey+`"}}`)
	}))
	defer srv.Close()

	req := &domain.CanonicalRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}}
	_, err := New(srv.Client()).Open(context.Background(), req, resolved(srv.URL))

	gwErr, ok := domain.AsError(err)
	if !ok || gwErr.Kind != domain.KindUpstreamHTTP || gwErr.UpstreamStatus != http.StatusUnauthorized {
		t.Fatalf("error = %v", err)
	}
	if strings.Contains(gwErr.Message, testKey) {
		t.Errorf("message leaks key: %q", gwErr.Message)
	}
}

func TestBuildRequest(t *testing.T) {
	override := 0.9
	cfg := resolved("").Config
	req := &domain.CanonicalRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "look", Images: []string{"data:image/png;base64,AAAA"}},
		},
		TemperatureOverride: &override,
		Stream:              true,
	}

	got := BuildRequest(req, cfg)
	if got.Model != "gpt-4o-mini" || !got.Stream || *got.Temperature != 0.9 {
		t.Errorf("BuildRequest() = %+v", got)
	}
	if s, ok := got.Messages[0].Content.(string); !ok || s != "sys" {
		t.Errorf("plain message content = %#v", got.Messages[0].Content)
	}
	parts, ok := got.Messages[1].Content.([]openaiapi.ContentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("image message content = %#v", got.Messages[1].Content)
	}

	raw, _ := json.Marshal(parts)
	if !strings.Contains(string(raw), `"image_url"`) || !strings.Contains(string(raw), `"text":"look"`) {
		t.Errorf("parts JSON = %s", raw)
	}
}
