package balancer

import (
	"math/rand"
	"testing"

	"github.com/agentflow/gateway/health"
	"github.com/agentflow/gateway/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBalancer(healthStore *health.Store) *Balancer {
	return New(nil, healthStore, rand.New(rand.NewSource(42)))
}

func bindings() []store.Binding {
	return []store.Binding{
		{ProviderID: 1, ProviderName: "a", Priority: 1, Weight: 100},
		{ProviderID: 2, ProviderName: "b", Priority: 1, Weight: 50},
		{ProviderID: 3, ProviderName: "c", Priority: 0, Weight: 999},
	}
}

func TestCandidates_SortsByPriorityThenWeight(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)

	cands := b.Candidates(bindings())
	require.Len(t, cands, 3)
	assert.Equal(t, "a", cands[0].ProviderName)
	assert.Equal(t, "b", cands[1].ProviderName)
	assert.Equal(t, "c", cands[2].ProviderName)
}

func TestCandidates_AnnotatesHealth(t *testing.T) {
	h := health.NewStore(5)
	h.RecordFailure("a", "boom")
	h.RecordFailure("a", "boom")
	h.RecordFailure("a", "boom")
	h.RecordFailure("a", "boom")
	h.RecordFailure("a", "boom")
	b := newBalancer(h)

	cands := b.Candidates(bindings())
	for _, c := range cands {
		if c.ProviderName == "a" {
			assert.False(t, c.Healthy)
		} else {
			assert.True(t, c.Healthy)
		}
	}
}

func TestSelect_NoCandidates(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)
	_, ok := b.Select(nil, nil)
	assert.False(t, ok)
}

func TestSelect_AllUnhealthyFails(t *testing.T) {
	h := health.NewStore(1)
	h.RecordFailure("a", "x")
	h.RecordFailure("b", "x")
	h.RecordFailure("c", "x")
	b := newBalancer(h)

	cands := b.Candidates(bindings())
	_, ok := b.Select(cands, nil)
	assert.False(t, ok)
}

// Property: for any candidate set with at least
// one healthy member, Select must return a healthy candidate.
func TestSelect_AlwaysReturnsHealthyWhenOneExists(t *testing.T) {
	h := health.NewStore(1)
	h.RecordFailure("a", "x") // a unhealthy, b/c remain healthy
	b := newBalancer(h)
	cands := b.Candidates(bindings())

	for i := 0; i < 200; i++ {
		picked, ok := b.Select(cands, nil)
		require.True(t, ok)
		assert.True(t, picked.Healthy)
		assert.NotEqual(t, "a", picked.ProviderName)
	}
}

// Select only considers the top priority tier present among healthy
// candidates: "c" (priority 0) should never be chosen while "a"/"b"
// (priority 1) are healthy.
func TestSelect_RestrictsToTopPriorityTier(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)
	cands := b.Candidates(bindings())

	for i := 0; i < 100; i++ {
		picked, ok := b.Select(cands, nil)
		require.True(t, ok)
		assert.NotEqual(t, "c", picked.ProviderName)
	}
}

func TestSelect_ExplicitFallbackOrderWins(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)
	cands := b.Candidates(bindings())

	picked, ok := b.Select(cands, []string{"c", "a"})
	require.True(t, ok)
	assert.Equal(t, "c", picked.ProviderName)
}

func TestSelect_ExplicitFallbackSkipsUnhealthy(t *testing.T) {
	h := health.NewStore(1)
	h.RecordFailure("c", "x")
	b := newBalancer(h)
	cands := b.Candidates(bindings())

	picked, ok := b.Select(cands, []string{"c", "a"})
	require.True(t, ok)
	assert.Equal(t, "a", picked.ProviderName)
}

func TestSelect_ExplicitFallbackNoneMatch(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)
	cands := b.Candidates(bindings())

	_, ok := b.Select(cands, []string{"nonexistent"})
	assert.False(t, ok)
}

// Weighted selection: over many draws, the
// empirical share of each provider tracks its configured weight.
func TestSelect_WeightedDistributionApproximatesShare(t *testing.T) {
	h := health.NewStore(5)
	b := New(nil, h, rand.New(rand.NewSource(7)))
	cands := []Candidate{
		{Binding: store.Binding{ProviderName: "x", Priority: 0, Weight: 100}, Healthy: true},
		{Binding: store.Binding{ProviderName: "y", Priority: 0, Weight: 50}, Healthy: true},
		{Binding: store.Binding{ProviderName: "z", Priority: 0, Weight: 25}, Healthy: true},
	}

	counts := map[string]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		picked, ok := b.Select(cands, nil)
		require.True(t, ok)
		counts[picked.ProviderName]++
	}

	assert.Greater(t, counts["x"], counts["y"])
	assert.Greater(t, counts["y"], counts["z"])
	ratio := float64(counts["x"]) / float64(counts["z"])
	assert.InDelta(t, 4.0, ratio, 0.8, "x/z ratio should approximate weight ratio 100/25=4")
}

func TestSelect_SingleCandidateShortCircuits(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)
	cands := []Candidate{{Binding: store.Binding{ProviderName: "solo", Weight: 0}, Healthy: true}}
	picked, ok := b.Select(cands, nil)
	require.True(t, ok)
	assert.Equal(t, "solo", picked.ProviderName)
}

func TestSelect_ZeroWeightTreatedAsOne(t *testing.T) {
	h := health.NewStore(5)
	b := newBalancer(h)
	cands := []Candidate{
		{Binding: store.Binding{ProviderName: "zero", Weight: 0}, Healthy: true},
		{Binding: store.Binding{ProviderName: "also-zero", Weight: 0}, Healthy: true},
	}
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		picked, ok := b.Select(cands, nil)
		require.True(t, ok)
		counts[picked.ProviderName]++
	}
	assert.Greater(t, counts["zero"], 0)
	assert.Greater(t, counts["also-zero"], 0)
}

func TestOrdered_PutsSelectionFirstThenRemainingHealthy(t *testing.T) {
	h := health.NewStore(5)
	h.RecordFailure("c", "x")
	h.RecordFailure("c", "x")
	h.RecordFailure("c", "x")
	h.RecordFailure("c", "x")
	h.RecordFailure("c", "x")
	b := newBalancer(h)
	cands := b.Candidates(bindings())

	first, ok := b.Select(cands, []string{"b"})
	require.True(t, ok)
	chain := b.Ordered(cands, first)

	require.Len(t, chain, 2) // b first, then a (c excluded: unhealthy)
	assert.Equal(t, "b", chain[0].ProviderName)
	assert.Equal(t, "a", chain[1].ProviderName)
}

func TestErrNoHealthyCandidate_MentionsModel(t *testing.T) {
	err := ErrNoHealthyCandidate("gpt-4o")
	assert.Contains(t, err.Error(), "gpt-4o")
}
