package cache

import (
	"fmt"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
	"github.com/podworker/worker/internal/worker"
)

// NewStore builds the idempotency store selected by the dedupe configuration
func NewStore(cfg infraconfig.DedupeConfig) (worker.IdempotencyStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown dedupe backend: %s", cfg.Backend)
	}
}
