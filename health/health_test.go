package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStore_UnknownProviderReportsHealthy(t *testing.T) {
	s := NewStore(5)
	assert.True(t, s.IsHealthy("never-probed"))
	st := s.Get("never-probed")
	assert.True(t, st.Healthy)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestStore_RecordSuccessHeals(t *testing.T) {
	s := NewStore(5)
	s.RecordFailure("p", "boom")
	s.RecordFailure("p", "boom")
	s.RecordSuccess("p", 50*time.Millisecond)

	st := s.Get("p")
	assert.True(t, st.Healthy)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 50*time.Millisecond, st.LastLatency)
}

// k consecutive failures flip a provider unhealthy exactly at the
// configured threshold, and a single subsequent success heals it
// immediately (no cooldown).
func TestStore_HysteresisFlipsAtThreshold(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 4; i++ {
		s.RecordFailure("p", "boom")
		assert.True(t, s.IsHealthy("p"), "should remain healthy before threshold, failure #%d", i+1)
	}
	s.RecordFailure("p", "boom") // 5th failure
	assert.False(t, s.IsHealthy("p"))

	s.RecordSuccess("p", time.Millisecond)
	st := s.Get("p")
	assert.True(t, st.Healthy)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestStore_DefaultMaxErrorsAppliesWhenNonPositive(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, DefaultMaxErrors, s.maxErrors)
	s2 := NewStore(-3)
	assert.Equal(t, DefaultMaxErrors, s2.maxErrors)
}

func TestStore_FailureBelowThresholdStaysHealthy(t *testing.T) {
	s := NewStore(3)
	s.RecordFailure("p", "e1")
	s.RecordFailure("p", "e2")
	assert.True(t, s.IsHealthy("p"))
	st := s.Get("p")
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, "e2", st.LastError)
}

func TestStore_All_SnapshotsEveryTrackedProvider(t *testing.T) {
	s := NewStore(5)
	s.RecordSuccess("a", time.Millisecond)
	s.RecordFailure("b", "oops")

	all := s.All()
	assert.Len(t, all, 2)
	assert.True(t, all["a"].Healthy)
	assert.True(t, all["b"].Healthy) // one failure, below default threshold
}

func TestStore_ConcurrentAccessIsSafe(t *testing.T) {
	s := NewStore(5)
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			if n%2 == 0 {
				s.RecordSuccess("shared", time.Millisecond)
			} else {
				s.RecordFailure("shared", "x")
			}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	// No assertion beyond "doesn't race/panic" — run with -race.
	_ = s.IsHealthy("shared")
}
