// Package tokens estimates token usage for completed invocations.
package tokens

import (
	"log/slog"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

// Counter counts tokens in a piece of text for a model.
type Counter interface {
	CountText(model, text string) (int, error)
}

// Token overhead per chat message: 3 framing tokens plus 1 for the role,
// plus 3 tokens priming the assistant reply.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Estimator produces Usage estimates. It falls back to a bytes-per-token
// heuristic whenever the primary counter fails.
type Estimator struct {
	counter  Counter
	fallback Counter
	logger   *slog.Logger
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithCounter replaces the primary counter.
func WithCounter(c Counter) Option {
	return func(e *Estimator) { e.counter = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// NewEstimator creates an estimator backed by tiktoken.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		counter:  NewTiktokenCounter(),
		fallback: ByteCounter{BytesPerToken: 4},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Usage estimates prompt and completion tokens for one invocation.
func (e *Estimator) Usage(model string, msgs []domain.Message, completion string) domain.Usage {
	prompt := replyPriming
	for _, m := range msgs {
		prompt += tokensPerMessage + tokensPerRole + e.count(model, m.Content)
	}
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: e.count(model, completion),
	}
}

func (e *Estimator) count(model, text string) int {
	n, err := e.counter.CountText(model, text)
	if err == nil {
		return n
	}
	e.logger.Debug("token count fell back to byte estimate",
		slog.String("model", model),
		slog.String("error", err.Error()))
	n, _ = e.fallback.CountText(model, text)
	return n
}

// ByteCounter estimates tokens from byte length.
type ByteCounter struct {
	BytesPerToken int
}

// CountText returns ceil(len(text)/BytesPerToken).
func (b ByteCounter) CountText(_, text string) (int, error) {
	per := b.BytesPerToken
	if per <= 0 {
		per = 4
	}
	return (len(text) + per - 1) / per, nil
}
