package dispatch

import (
	"context"

	"github.com/agentflow/gateway/health"
	"github.com/agentflow/gateway/providers"
)

// providerProbe adapts a providers.Provider to health.ProviderHealthChecker
// so the health package's prober can probe it without providers and
// health importing each other.
type providerProbe struct {
	provider providers.Provider
}

func (p providerProbe) Name() string { return p.provider.Name() }

func (p providerProbe) HealthCheck(ctx context.Context) (health.HealthStatusReporter, error) {
	status, err := p.provider.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// RegisterProbes adds every provider in the registry to the prober's
// rotation.
func RegisterProbes(registry *providers.Registry, prober *health.Prober) {
	for _, name := range registry.List() {
		p, ok := registry.Get(name)
		if !ok {
			continue
		}
		prober.Register(health.Adapter{Checker: providerProbe{provider: p}})
	}
}
