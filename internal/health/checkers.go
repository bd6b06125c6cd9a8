package health

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attunevoice/attune/internal/asrpool"
)

// DatabaseChecker probes the pgvector store with a connection ping. A nil
// pool yields a checker that always passes, for deployments running without
// a knowledge base.
func DatabaseChecker(pool *pgxpool.Pool) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if pool == nil {
				return nil
			}
			return pool.Ping(ctx)
		},
	}
}

// ProvidersChecker reports ready while at least one ASR provider is healthy.
// Speech cannot be answered without a recognizer, so an all-unhealthy roster
// fails readiness.
func ProvidersChecker(mgr *asrpool.Manager) Checker {
	return Checker{
		Name: "asr_providers",
		Check: func(_ context.Context) error {
			for _, h := range mgr.Health() {
				if h.Healthy {
					return nil
				}
			}
			return fmt.Errorf("health: no healthy asr provider")
		},
	}
}
