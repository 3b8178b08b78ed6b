// Package storage holds the persisted model configurations and default pointers.
package storage

import (
	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
)

// Re-export storage interfaces from core/ports so adapters need only one import.
type (
	ConfigStore = ports.ConfigStore
	ConfigAdmin = ports.ConfigAdmin
)

// ErrNotFound is returned when a configuration or default pointer does not exist.
var ErrNotFound = ports.ErrNotFound

// ScopeGlobal is the fallback default scope.
const ScopeGlobal = ports.ScopeGlobal
