// Package vision serves the vision-multimodal family. Two sub-variants exist:
// models whose name carries a native prefix go to the DashScope multimodal
// generation endpoint, everything else is sent as an OpenAI-compatible chat
// completion with image_url content parts.
package vision

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/capsule-gateway/internal/api/dashscope"
	openaiapi "github.com/tjfontaine/capsule-gateway/internal/api/openai"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/provider/openai"
	"github.com/tjfontaine/capsule-gateway/internal/provider/registry"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
)

// DefaultNativePrefixes select the native endpoint when none are configured.
var DefaultNativePrefixes = []string{"qwen-vl", "qvq"}

// Variant names the wire protocol chosen for one model.
type Variant string

const (
	VariantNative           Variant = "dashscope-native"
	VariantOpenAICompatible Variant = "openai-compatible"
)

// Adapter serves the vision-multimodal family.
type Adapter struct {
	httpClient     *http.Client
	nativePrefixes []string
}

// New creates the adapter. A nil prefixes slice uses DefaultNativePrefixes.
func New(httpClient *http.Client, nativePrefixes []string) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if nativePrefixes == nil {
		nativePrefixes = DefaultNativePrefixes
	}
	return &Adapter{httpClient: httpClient, nativePrefixes: nativePrefixes}
}

// RegisterFactory registers the vision-multimodal adapter factory.
func RegisterFactory() {
	registry.RegisterFactory(registry.AdapterFactory{
		Family:      domain.FamilyVisionMultimodal,
		Description: "Multimodal image+text, DashScope native or OpenAI-compatible by model prefix",
		Create: func(deps registry.Deps) (registry.Adapter, error) {
			return New(deps.HTTPClient, deps.VisionNativePrefixes), nil
		},
	})
}

func (a *Adapter) Family() domain.ProtocolFamily {
	return domain.FamilyVisionMultimodal
}

// VariantFor picks the sub-variant by case-insensitive model name prefix.
func (a *Adapter) VariantFor(model string) Variant {
	m := strings.ToLower(model)
	for _, p := range a.nativePrefixes {
		if p != "" && strings.HasPrefix(m, strings.ToLower(p)) {
			return VariantNative
		}
	}
	return VariantOpenAICompatible
}

func (a *Adapter) Open(ctx context.Context, req *domain.CanonicalRequest, rc *domain.ResolvedContext) (*stream.Upstream, error) {
	key := rc.Key()

	framing := stream.FramingJSONBody
	if req.Stream {
		framing = stream.FramingSSE
	}

	if a.VariantFor(rc.Config.Model) == VariantOpenAICompatible {
		client := openaiapi.NewClient(key,
			openaiapi.WithBaseURL(rc.Config.BaseURL),
			openaiapi.WithHTTPClient(a.httpClient))
		body, err := client.ChatCompletions(ctx, openai.BuildRequest(req, rc.Config))
		if err != nil {
			return nil, err
		}
		return &stream.Upstream{Framing: framing, Body: body, Secrets: []string{key}}, nil
	}

	opts := []dashscope.ClientOption{dashscope.WithHTTPClient(a.httpClient)}
	if rc.Config.BaseURL != "" {
		opts = append(opts, dashscope.WithBaseURL(rc.Config.BaseURL))
	}
	body, err := dashscope.NewClient(key, opts...).Generate(ctx, BuildNativeRequest(req, rc.Config), req.Stream)
	if err != nil {
		return nil, err
	}
	return &stream.Upstream{Framing: framing, Body: body, Secrets: []string{key}}, nil
}

// BuildNativeRequest converts a canonical request to the DashScope body.
// Images come before the text of the same turn. Streaming requests ask for
// incremental output so each frame carries only new text.
func BuildNativeRequest(req *domain.CanonicalRequest, cfg *domain.ModelConfig) *dashscope.GenerationRequest {
	msgs := make([]dashscope.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		content := make([]dashscope.Content, 0, len(m.Images)+1)
		for _, img := range m.Images {
			content = append(content, dashscope.Content{Image: img})
		}
		if m.Content != "" {
			content = append(content, dashscope.Content{Text: m.Content})
		}
		if len(content) == 0 {
			continue
		}
		msgs = append(msgs, dashscope.Message{Role: string(m.Role), Content: content})
	}

	return &dashscope.GenerationRequest{
		Model: cfg.Model,
		Input: dashscope.Input{Messages: msgs},
		Parameters: dashscope.Parameters{
			Temperature:       req.EffectiveTemperature(cfg),
			IncrementalOutput: req.Stream,
		},
	}
}
