// Package codec maps transport failures and upstream bodies onto the gateway
// error taxonomy and writes errors to HTTP callers.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

// MaxUpstreamSample bounds how much of an upstream body reaches logs and error messages.
const MaxUpstreamSample = 512

const redacted = "[REDACTED]"

// SanitizeUpstreamBody redacts every secret from body and truncates it to
// MaxUpstreamSample bytes without splitting a UTF-8 sequence.
func SanitizeUpstreamBody(body []byte, secrets ...string) string {
	s := strings.TrimSpace(string(body))
	for _, secret := range secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, redacted)
		}
	}
	if len(s) <= MaxUpstreamSample {
		return s
	}
	cut := MaxUpstreamSample
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// UpstreamStatusError builds the error for a non-2xx upstream response.
func UpstreamStatusError(status int, body []byte, secrets ...string) *domain.Error {
	sample := SanitizeUpstreamBody(body, secrets...)
	msg := fmt.Sprintf("upstream returned status %d", status)
	if sample != "" {
		msg += ": " + sample
	}
	return domain.ErrUpstreamHTTP(status, msg)
}

// FromContext reports the deadline or cancellation error for a finished ctx, or nil.
func FromContext(ctx context.Context) *domain.Error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrTimeout("invocation deadline exceeded")
	default:
		return domain.ErrCancelled("invocation cancelled by caller")
	}
}

// ClassifyTransportError maps an error from issuing or reading an upstream
// call. Errors that are already *domain.Error pass through.
func ClassifyTransportError(ctx context.Context, err error, secrets ...string) *domain.Error {
	if gwErr, ok := domain.AsError(err); ok {
		return gwErr
	}
	if ctxErr := FromContext(ctx); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout("invocation deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrCancelled("invocation cancelled by caller")
	}
	return domain.ErrUpstreamUnreachable("upstream request failed: " + SanitizeUpstreamBody([]byte(err.Error()), secrets...))
}

// ToCanonicalError converts any error to a *domain.Error. Errors from outside
// the taxonomy become internal errors without their original text.
func ToCanonicalError(err error) *domain.Error {
	if gwErr, ok := domain.AsError(err); ok {
		return gwErr
	}
	return domain.ErrInternal("internal error")
}

// ErrorBody is the wire shape of an error response.
type ErrorBody struct {
	Error *domain.Error `json:"error"`
}

// WriteError writes err as JSON with the status its kind maps to.
func WriteError(w http.ResponseWriter, err error) {
	gwErr := ToCanonicalError(err)
	body, _ := json.Marshal(ErrorBody{Error: gwErr})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatusCode())
	w.Write(body)
}
