package cache

import (
	"context"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
)

// Noop never stores anything. Every lookup misses.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error)              { return nil, ports.ErrCacheMiss }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Delete(context.Context, ...string) error                  { return nil }
func (Noop) Close() error                                             { return nil }
