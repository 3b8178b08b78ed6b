// Package registration wires the built-in adapter factories into the registry.
package registration

import (
	"sync"

	"github.com/tjfontaine/capsule-gateway/internal/provider/anthropic"
	"github.com/tjfontaine/capsule-gateway/internal/provider/openai"
	"github.com/tjfontaine/capsule-gateway/internal/provider/vision"
)

var once sync.Once

// RegisterBuiltins registers the built-in protocol family adapters explicitly.
// This replaces init-based side effects and is intended to be called from
// the runtime and tests before building a registry. Repeated calls are no-ops.
func RegisterBuiltins() {
	once.Do(func() {
		openai.RegisterFactory()
		anthropic.RegisterFactory()
		vision.RegisterFactory()
	})
}
