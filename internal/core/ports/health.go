package ports

import "context"

// HealthChecker checks an external dependency for the /health endpoint.
type HealthChecker interface {
	// Ping returns nil if the dependency is reachable.
	Ping(ctx context.Context) error
	// Name returns the dependency name ("postgresql", "redis").
	Name() string
}
