// Package registry maps protocol families to provider adapters.
//
// # Adding a New Protocol Family
//
// Each adapter package exposes a RegisterFactory function that is called
// from internal/registration:
//
//	func RegisterFactory() {
//	    registry.RegisterFactory(registry.AdapterFactory{
//	        Family:      domain.FamilyOpenAICompatible,
//	        Description: "OpenAI-compatible chat completions",
//	        Create:      func(deps registry.Deps) (registry.Adapter, error) { ... },
//	    })
//	}
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
)

// Adapter translates a canonical request into one upstream wire protocol.
type Adapter interface {
	// Family is the protocol family this adapter serves.
	Family() domain.ProtocolFamily

	// Open builds the upstream request from req and rc and issues it. On
	// success the returned Upstream is ready for the normalizer. Failures
	// are *domain.Error values.
	Open(ctx context.Context, req *domain.CanonicalRequest, rc *domain.ResolvedContext) (*stream.Upstream, error)
}

// Deps are the shared collaborators adapters are built from.
type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	// SDKMaxTokens caps completions for SDK families that require a limit.
	SDKMaxTokens int

	// VisionNativePrefixes select the native multimodal endpoint by model name.
	VisionNativePrefixes []string
}

// AdapterFactory defines how to create the adapter for one protocol family.
type AdapterFactory struct {
	Family      domain.ProtocolFamily
	Description string
	Create      func(deps Deps) (Adapter, error)
}

var (
	factoryMu  sync.RWMutex
	factoryMap = make(map[domain.ProtocolFamily]AdapterFactory)
)

// RegisterFactory registers a factory. It panics on an empty or duplicate family.
func RegisterFactory(f AdapterFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if f.Family == "" {
		panic("adapter factory family cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("adapter factory %q must have a Create function", f.Family))
	}
	if _, exists := factoryMap[f.Family]; exists {
		panic(fmt.Sprintf("adapter factory %q already registered", f.Family))
	}
	factoryMap[f.Family] = f
}

// ListFactories returns all registered factories sorted by family.
func ListFactories() []AdapterFactory {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	result := make([]AdapterFactory, 0, len(factoryMap))
	for _, f := range factoryMap {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Family < result[j].Family
	})
	return result
}

// ClearFactories removes all registered factories (for testing only).
func ClearFactories() {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	factoryMap = make(map[domain.ProtocolFamily]AdapterFactory)
}

// Registry is an immutable set of adapters, one per family.
type Registry struct {
	adapters map[domain.ProtocolFamily]Adapter
}

// New creates a registry from explicit adapters. Later adapters replace
// earlier ones for the same family.
func New(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.ProtocolFamily]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Family()] = a
	}
	return r
}

// Build creates one adapter from every registered factory.
func Build(deps Deps) (*Registry, error) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var adapters []Adapter
	for _, f := range ListFactories() {
		a, err := f.Create(deps)
		if err != nil {
			return nil, fmt.Errorf("create %s adapter: %w", f.Family, err)
		}
		adapters = append(adapters, a)
	}
	return New(adapters...), nil
}

// Lookup returns the adapter for family. Selection never looks at the
// request, only at the resolved configuration's family.
func (r *Registry) Lookup(family domain.ProtocolFamily) (Adapter, error) {
	a, ok := r.adapters[family]
	if !ok {
		return nil, domain.ErrInternal(fmt.Sprintf("no adapter for protocol family %q", family))
	}
	return a, nil
}

// Families lists the families with an adapter, sorted.
func (r *Registry) Families() []domain.ProtocolFamily {
	out := make([]domain.ProtocolFamily, 0, len(r.adapters))
	for f := range r.adapters {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
