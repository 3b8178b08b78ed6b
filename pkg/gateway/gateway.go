// Package gateway provides the public API for embedding the inference gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/runtime"
)

// Gateway is the main entry point for running the inference gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Request and result types for in-process callers of Gateway.Invoker.
type (
	Request    = domain.CanonicalRequest
	Message    = domain.Message
	Event      = domain.CanonicalEvent
	Result     = domain.Result
	Error      = domain.Error
	Capability = domain.Capability
)

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(gateway.WithFileConfig("config.yaml"))
var New = runtime.New

// Configuration options
var (
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Advanced options
	WithLogger     = runtime.WithLogger
	WithStore      = runtime.WithStore
	WithCache      = runtime.WithCache
	WithHTTPClient = runtime.WithHTTPClient
)
