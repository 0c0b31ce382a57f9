package health

import (
	"context"
	"time"
)

// ProviderHealthChecker is the provider-side health check the prober
// consumes. providers.Provider does not satisfy it directly (its
// HealthCheck returns *providers.HealthStatus); dispatch wraps each
// provider to fit, so health never imports providers.
type ProviderHealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) (HealthStatusReporter, error)
}

// HealthStatusReporter exposes the subset of providers.HealthStatus the
// prober needs.
type HealthStatusReporter interface {
	IsHealthy() bool
	Elapsed() time.Duration
}

// Adapter wraps a ProviderHealthChecker so it satisfies Probeable.
type Adapter struct {
	Checker ProviderHealthChecker
}

func (a Adapter) Name() string { return a.Checker.Name() }

func (a Adapter) HealthCheck(ctx context.Context) (bool, time.Duration, error) {
	status, err := a.Checker.HealthCheck(ctx)
	if err != nil {
		return false, 0, err
	}
	return status.IsHealthy(), status.Elapsed(), nil
}
