// Package domain holds the provider-agnostic types that flow through the gateway.
package domain

import (
	"slices"
	"strings"
	"time"
)

// Capability is an inference role a configuration can serve.
type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityVision    Capability = "vision"
	CapabilityReasoning Capability = "reasoning"
)

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityChat, CapabilityVision, CapabilityReasoning:
		return true
	}
	return false
}

// ParseCapability converts a string into a Capability. An empty string means chat.
func ParseCapability(s string) (Capability, bool) {
	if s == "" {
		return CapabilityChat, true
	}
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// ProtocolFamily selects the adapter used to reach an upstream backend.
type ProtocolFamily string

const (
	// FamilyOpenAICompatible is an HTTP chat-completions API with data:-framed streaming.
	FamilyOpenAICompatible ProtocolFamily = "openai-compatible"
	// FamilySDKStreaming is a vendor SDK client built per call.
	FamilySDKStreaming ProtocolFamily = "sdk-streaming"
	// FamilyVisionMultimodal carries image references alongside the prompt.
	FamilyVisionMultimodal ProtocolFamily = "vision-multimodal"
)

// Valid reports whether f is a known protocol family.
func (f ProtocolFamily) Valid() bool {
	switch f {
	case FamilyOpenAICompatible, FamilySDKStreaming, FamilyVisionMultimodal:
		return true
	}
	return false
}

// ModelConfig is a named, persisted inference target.
// EncryptedAPIKey is ciphertext produced by the vault and is opaque everywhere else.
type ModelConfig struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Model           string         `json:"model"`
	BaseURL         string         `json:"base_url"`
	EncryptedAPIKey string         `json:"encrypted_api_key,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	Capabilities    []Capability   `json:"capabilities"`
	IsDefault       bool           `json:"is_default"`
	ProtocolFamily  ProtocolFamily `json:"protocol_family"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Serves reports whether the configuration can serve the capability.
func (c *ModelConfig) Serves(capability Capability) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Images are URLs (http(s) or data:).
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// CanonicalRequest is the caller-facing, provider-agnostic request.
type CanonicalRequest struct {
	Messages            []Message  `json:"messages"`
	Capability          Capability `json:"capability"`
	ExplicitConfigID    string     `json:"config_id,omitempty"`
	TemperatureOverride *float64   `json:"temperature,omitempty"`
	Stream              bool       `json:"stream"`

	// Timeout bounds the whole invocation. Zero means the gateway default.
	Timeout time.Duration `json:"-"`
}

// EventKind discriminates CanonicalEvent.
type EventKind string

const (
	EventDelta EventKind = "delta"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// CanonicalEvent is the provider-agnostic streaming unit.
//
// A stream is zero or more EventDelta events followed by exactly one EventDone
// or EventError. Text always holds the accumulation of every delta so far, so
// the Done event's Text is the final answer.
type CanonicalEvent struct {
	Kind  EventKind
	Delta string
	Text  string
	Err   *Error

	// Usage is set on the Done event relayed by the gateway.
	Usage *Usage
}

// TextDelta builds a delta event.
func TextDelta(delta, accumulated string) CanonicalEvent {
	return CanonicalEvent{Kind: EventDelta, Delta: delta, Text: accumulated}
}

// Done builds the successful terminal event.
func Done(finalText string) CanonicalEvent {
	return CanonicalEvent{Kind: EventDone, Text: finalText}
}

// ErrorEvent builds the failed terminal event.
func ErrorEvent(err *Error) CanonicalEvent {
	return CanonicalEvent{Kind: EventError, Err: err}
}

// Terminal reports whether the event ends the stream.
func (e CanonicalEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ResolvedContext is the request-scoped pairing of a configuration and its
// decrypted key. It is owned by a single invocation and must be zeroed after use.
type ResolvedContext struct {
	Config *ModelConfig
	APIKey []byte
}

// Key returns the plaintext key for handing to a transport.
func (rc *ResolvedContext) Key() string {
	return string(rc.APIKey)
}

// Zero overwrites the key bytes. Strings already derived through Key (request
// headers, SDK clients, redaction lists) are immutable and stay reachable
// until the upstream response is closed.
func (rc *ResolvedContext) Zero() {
	for i := range rc.APIKey {
		rc.APIKey[i] = 0
	}
	rc.APIKey = nil
}

// Usage is an estimate of token consumption for one invocation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is the outcome of a one-shot invocation.
type Result struct {
	Text         string `json:"text"`
	UsedConfigID string `json:"used_config_id"`
	Usage        *Usage `json:"usage,omitempty"`
}

// EffectiveTemperature picks the request override, then the configuration's
// temperature. Nil means the upstream default.
func (r *CanonicalRequest) EffectiveTemperature(cfg *ModelConfig) *float64 {
	if r.TemperatureOverride != nil {
		return r.TemperatureOverride
	}
	if cfg != nil {
		return cfg.Temperature
	}
	return nil
}
