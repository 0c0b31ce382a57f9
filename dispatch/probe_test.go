package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/agentflow/gateway/health"
	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterProbes_AddsEveryRegisteredProvider(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register("a", mocks.NewMockProvider().Named("a"))
	reg.Register("b", mocks.NewMockProvider().Named("b"))

	store := health.NewStore(5)
	prober := health.NewProber(store, time.Hour, time.Second, nil)
	RegisterProbes(reg, prober)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	prober.Start(ctx)
	defer prober.Stop()

	require.Eventually(t, func() bool {
		all := store.All()
		return len(all) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProviderProbe_AdaptsProviderHealthCheckToReporter(t *testing.T) {
	mp := mocks.NewMockProvider().Named("down")
	probe := providerProbe{provider: mp}
	assert.Equal(t, "down", probe.Name())

	reporter, err := probe.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, reporter.IsHealthy())
}
