// Package anthropic adapts canonical requests to the Anthropic Messages SDK.
// It backs the sdk-streaming protocol family.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tjfontaine/capsule-gateway/internal/codec"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/provider/registry"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
)

// DefaultMaxTokens is used when Deps.SDKMaxTokens is unset.
const DefaultMaxTokens = 4096

// Adapter serves the sdk-streaming family.
type Adapter struct {
	httpClient *http.Client
	maxTokens  int64
}

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient sets the HTTP client handed to each SDK client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// WithMaxTokens sets the completion token cap sent with every request.
func WithMaxTokens(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxTokens = int64(n)
		}
	}
}

// New creates the adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		httpClient: http.DefaultClient,
		maxTokens:  DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterFactory registers the sdk-streaming adapter factory.
func RegisterFactory() {
	registry.RegisterFactory(registry.AdapterFactory{
		Family:      domain.FamilySDKStreaming,
		Description: "Anthropic Messages SDK, client built per call, chunked text streaming",
		Create: func(deps registry.Deps) (registry.Adapter, error) {
			return New(WithHTTPClient(deps.HTTPClient), WithMaxTokens(deps.SDKMaxTokens)), nil
		},
	})
}

func (a *Adapter) Family() domain.ProtocolFamily {
	return domain.FamilySDKStreaming
}

// Open constructs an SDK client with the decrypted key and starts a
// streaming message. The SDK issues the request eagerly, so connection and
// status failures surface here rather than as the first chunk.
func (a *Adapter) Open(ctx context.Context, req *domain.CanonicalRequest, rc *domain.ResolvedContext) (*stream.Upstream, error) {
	key := rc.Key()
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
	}
	if rc.Config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(rc.Config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	s := client.Messages.NewStreaming(ctx, BuildParams(req, rc.Config, a.maxTokens))
	if err := s.Err(); err != nil {
		s.Close()
		return nil, mapError(ctx, err, key)
	}

	return &stream.Upstream{
		Framing: stream.FramingChunks,
		Chunks:  &chunkSource{ctx: ctx, s: s, key: key},
		Secrets: []string{key},
	}, nil
}

// BuildParams converts a canonical request to Messages API parameters.
func BuildParams(req *domain.CanonicalRequest, cfg *domain.ModelConfig, maxTokens int64) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		Messages:  ToMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if t := req.EffectiveTemperature(cfg); t != nil {
		params.Temperature = anthropic.Float(*t)
	}
	return params
}

// ToMessages maps roles onto the two the SDK distinguishes. System and user
// turns both become user turns; consecutive turns with the same role are
// merged with a blank line between them.
func ToMessages(msgs []domain.Message) []anthropic.MessageParam {
	type turn struct {
		assistant bool
		blocks    []string
	}
	var turns []turn
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		assistant := m.Role == domain.RoleAssistant
		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].blocks = append(turns[n-1].blocks, m.Content)
			continue
		}
		turns = append(turns, turn{assistant: assistant, blocks: []string{m.Content}})
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		text := joinBlocks(t.blocks)
		if t.assistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return out
}

func joinBlocks(blocks []string) string {
	if len(blocks) == 1 {
		return blocks[0]
	}
	n := 0
	for _, b := range blocks {
		n += len(b) + 2
	}
	buf := make([]byte, 0, n)
	for i, b := range blocks {
		if i > 0 {
			buf = append(buf, '\n', '\n')
		}
		buf = append(buf, b...)
	}
	return string(buf)
}

// chunkSource yields the text of each text_delta event. Other events
// (message_start, content_block_start, ping, message_stop) are skipped.
type chunkSource struct {
	ctx  context.Context
	s    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	key  string
	text string
}

func (c *chunkSource) Next() bool {
	for c.s.Next() {
		ev, ok := c.s.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if td, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
			c.text = td.Text
			return true
		}
	}
	return false
}

func (c *chunkSource) Text() string { return c.text }

func (c *chunkSource) Err() error {
	if err := c.s.Err(); err != nil {
		return mapError(c.ctx, err, c.key)
	}
	return nil
}

func (c *chunkSource) Close() error { return c.s.Close() }

// streamErrorPrefix marks an error event received after the stream started.
const streamErrorPrefix = "received error while streaming: "

// mapError converts SDK failures. API errors keep their upstream status and a
// sanitized sample of the body.
func mapError(ctx context.Context, err error, key string) *domain.Error {
	if ctxErr := codec.FromContext(ctx); ctxErr != nil {
		return ctxErr
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return codec.UpstreamStatusError(apiErr.StatusCode, []byte(apiErr.RawJSON()), key)
	}
	if msg, ok := strings.CutPrefix(err.Error(), streamErrorPrefix); ok {
		return domain.ErrUpstreamHTTP(0, "upstream error: "+codec.SanitizeUpstreamBody([]byte(msg), key))
	}
	return codec.ClassifyTransportError(ctx, err, key)
}
