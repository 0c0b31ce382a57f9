// Package balancer selects which provider binding to try for a logical
// model, given the current candidate list and health state. Selection
// is weighted-random among healthy candidates at the highest available
// priority tier, with an explicit fallback list scanned first when the
// caller names one.
package balancer

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/agentflow/gateway/health"
	"github.com/agentflow/gateway/store"
)

// Candidate is a binding annotated with its current health.
type Candidate struct {
	store.Binding
	Healthy bool
}

// Balancer picks a provider binding to try next for a logical model.
type Balancer struct {
	st     *store.Store
	health *health.Store

	randMu sync.Mutex
	rand   *rand.Rand
}

// New constructs a Balancer over st and health.
func New(st *store.Store, healthStore *health.Store, rng *rand.Rand) *Balancer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Balancer{st: st, health: healthStore, rand: rng}
}

// Candidates returns every binding for logicalModel (fallback or not),
// each annotated with whether its provider is currently healthy,
// sorted by priority descending then weight descending.
func (b *Balancer) Candidates(bindings []store.Binding) []Candidate {
	out := make([]Candidate, 0, len(bindings))
	for _, bd := range bindings {
		out = append(out, Candidate{Binding: bd, Healthy: b.health.IsHealthy(bd.ProviderName)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Weight > out[j].Weight
	})
	return out
}

// Select chooses one candidate to try first. If explicitFallbacks is
// non-empty, it is scanned in order for the first healthy candidate
// matching a provider name in the list — this lets a caller pin a
// specific fallback chain for a request regardless of configured
// priority/weight. Otherwise, Select does a weighted-random pick among
// the healthy candidates at the highest priority tier present.
//
// Returns false if no healthy candidate exists.
func (b *Balancer) Select(candidates []Candidate, explicitFallbacks []string) (Candidate, bool) {
	if len(explicitFallbacks) > 0 {
		for _, name := range explicitFallbacks {
			for _, c := range candidates {
				if c.ProviderName == name && c.Healthy {
					return c, true
				}
			}
		}
		return Candidate{}, false
	}

	healthy := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return Candidate{}, false
	}

	topPriority := healthy[0].Priority
	tier := healthy[:0:0]
	for _, c := range healthy {
		if c.Priority == topPriority {
			tier = append(tier, c)
		}
	}

	return b.weightedPick(tier), true
}

func (b *Balancer) weightedPick(tier []Candidate) Candidate {
	if len(tier) == 1 {
		return tier[0]
	}
	total := 0
	for _, c := range tier {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	b.randMu.Lock()
	r := b.rand.Intn(total)
	b.randMu.Unlock()
	for _, c := range tier {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			return c
		}
		r -= w
	}
	return tier[len(tier)-1]
}

// Ordered returns the full fallback sequence to try, starting from the
// selected candidate: the selection itself, then the remaining healthy
// candidates ordered by priority/weight, skipping whichever was already
// chosen first. Used by the dispatcher to know what to try next after
// a failure.
func (b *Balancer) Ordered(candidates []Candidate, first Candidate) []Candidate {
	out := []Candidate{first}
	for _, c := range candidates {
		if c.ProviderName == first.ProviderName || !c.Healthy {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ErrNoHealthyCandidate is returned (wrapped) by callers when Select
// reports no eligible candidate.
func ErrNoHealthyCandidate(logicalModel string) error {
	return fmt.Errorf("balancer: no healthy provider for model %q", logicalModel)
}
