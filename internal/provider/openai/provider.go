// Package openai adapts canonical requests to OpenAI-compatible chat completion endpoints.
package openai

import (
	"context"
	"net/http"

	openaiapi "github.com/tjfontaine/capsule-gateway/internal/api/openai"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/provider/registry"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
)

// Adapter serves the openai-compatible family.
type Adapter struct {
	httpClient *http.Client
}

// New creates the adapter. A client is built per call so the key never
// outlives the invocation.
func New(httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{httpClient: httpClient}
}

// RegisterFactory registers the openai-compatible adapter factory.
func RegisterFactory() {
	registry.RegisterFactory(registry.AdapterFactory{
		Family:      domain.FamilyOpenAICompatible,
		Description: "OpenAI-compatible chat completions over HTTP with data: framed streaming",
		Create: func(deps registry.Deps) (registry.Adapter, error) {
			return New(deps.HTTPClient), nil
		},
	})
}

func (a *Adapter) Family() domain.ProtocolFamily {
	return domain.FamilyOpenAICompatible
}

func (a *Adapter) Open(ctx context.Context, req *domain.CanonicalRequest, rc *domain.ResolvedContext) (*stream.Upstream, error) {
	key := rc.Key()
	client := openaiapi.NewClient(key,
		openaiapi.WithBaseURL(rc.Config.BaseURL),
		openaiapi.WithHTTPClient(a.httpClient))

	body, err := client.ChatCompletions(ctx, BuildRequest(req, rc.Config))
	if err != nil {
		return nil, err
	}

	framing := stream.FramingJSONBody
	if req.Stream {
		framing = stream.FramingSSE
	}
	return &stream.Upstream{Framing: framing, Body: body, Secrets: []string{key}}, nil
}

// BuildRequest converts a canonical request to the chat completions body.
func BuildRequest(req *domain.CanonicalRequest, cfg *domain.ModelConfig) *openaiapi.ChatCompletionRequest {
	return &openaiapi.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    ToMessages(req.Messages),
		Temperature: req.EffectiveTemperature(cfg),
		Stream:      req.Stream,
	}
}

// ToMessages converts canonical messages. Messages with images become
// multi-part content with the text first.
func ToMessages(msgs []domain.Message) []openaiapi.ChatMessage {
	out := make([]openaiapi.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Images) == 0 {
			out = append(out, openaiapi.ChatMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := make([]openaiapi.ContentPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, openaiapi.TextPart(m.Content))
		}
		for _, img := range m.Images {
			parts = append(parts, openaiapi.ImagePart(img))
		}
		out = append(out, openaiapi.ChatMessage{Role: string(m.Role), Content: parts})
	}
	return out
}
