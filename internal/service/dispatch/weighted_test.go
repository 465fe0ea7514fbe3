package dispatch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/domain"
)

func instances(levels ...int) []domain.Instance {
	out := make([]domain.Instance, 0, len(levels))
	for i, l := range levels {
		out = append(out, domain.Instance{ID: uuid.New(), Name: string(rune('A' + i)), WarmingLevel: l})
	}
	return out
}

func countPicks(s *Scheduler, n int) map[string]int {
	got := make(map[string]int)
	for i := 0; i < n; i++ {
		got[s.Next().Name]++
	}
	return got
}

func TestSchedulerWeightedFourToOne(t *testing.T) {
	s := NewScheduler(instances(1, 4), domain.SendingModeWeighted)
	got := countPicks(s, 50)
	assert.Equal(t, 10, got["A"])
	assert.Equal(t, 40, got["B"])
}

func TestSchedulerExactShareEveryPeriod(t *testing.T) {
	levels := []int{1, 2, 3, 5}
	s := NewScheduler(instances(levels...), domain.SendingModeWeighted)
	require.Equal(t, 11, s.Period())

	for round := 0; round < 4; round++ {
		got := countPicks(s, s.Period())
		for i, l := range levels {
			assert.Equal(t, l, got[string(rune('A'+i))], "round %d", round)
		}
	}
}

func TestSchedulerConvergesForLargeN(t *testing.T) {
	levels := []int{2, 3, 5}
	s := NewScheduler(instances(levels...), domain.SendingModeWeighted)
	const n = 10007
	got := countPicks(s, n)
	for i, l := range levels {
		want := float64(n) * float64(l) / 10
		assert.InDelta(t, want, float64(got[string(rune('A'+i))]), float64(l), "instance %d", i)
	}
}

func TestSchedulerRoundRobinIgnoresLevels(t *testing.T) {
	s := NewScheduler(instances(1, 5, 3), domain.SendingModeRoundRobin)
	var seq []string
	for i := 0; i < 6; i++ {
		seq = append(seq, s.Next().Name)
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, seq)
}

func TestSchedulerTieBreakIsInsertionOrder(t *testing.T) {
	s := NewScheduler(instances(2, 2), domain.SendingModeWeighted)
	assert.Equal(t, "A", s.Next().Name)
	assert.Equal(t, "B", s.Next().Name)
}

func TestSchedulerSpreadsHeavyInstance(t *testing.T) {
	s := NewScheduler(instances(1, 4), domain.SendingModeWeighted)
	var seq []string
	for i := 0; i < 5; i++ {
		seq = append(seq, s.Next().Name)
	}
	assert.Equal(t, []string{"B", "B", "A", "B", "B"}, seq)
}

func TestSchedulerPeekDoesNotAdvance(t *testing.T) {
	s := NewScheduler(instances(1, 4), domain.SendingModeWeighted)
	first := s.Peek()
	assert.Equal(t, first, s.Peek())
	assert.Equal(t, first, s.Next())
}

func TestSchedulerSkipMatchesPriorOffset(t *testing.T) {
	insts := instances(1, 4, 2)
	reference := NewScheduler(insts, domain.SendingModeWeighted)
	for i := 0; i < 23; i++ {
		reference.Next()
	}

	resumed := NewScheduler(insts, domain.SendingModeWeighted)
	resumed.Skip(23)
	for i := 0; i < 14; i++ {
		assert.Equal(t, reference.Next().ID, resumed.Next().ID, "pick %d", i)
	}
}

func TestSchedulerClampsWarmingLevel(t *testing.T) {
	s := NewScheduler(instances(0, 9), domain.SendingModeWeighted)
	assert.Equal(t, 6, s.Period())
}
