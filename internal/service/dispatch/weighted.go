package dispatch

import (
	"github.com/acme/whatsapp-campaign/internal/domain"
)

// Scheduler interleaves instances by weight using smooth weighted round-robin.
// Over every window of W picks (W = sum of weights) each instance is chosen
// exactly weight times, and heavier instances are spread out rather than
// bunched together. Ties go to the instance listed first.
type Scheduler struct {
	slots []slot
	total int
}

type slot struct {
	instance domain.Instance
	weight   int
	current  int
}

// NewScheduler builds a scheduler over instances in the given order. In
// round-robin mode every instance weighs 1; in weighted mode the weight is the
// instance's warming level.
func NewScheduler(instances []domain.Instance, mode domain.SendingMode) *Scheduler {
	s := &Scheduler{slots: make([]slot, 0, len(instances))}
	for _, inst := range instances {
		w := 1
		if mode == domain.SendingModeWeighted {
			w = inst.Weight()
		}
		s.slots = append(s.slots, slot{instance: inst, weight: w})
		s.total += w
	}
	return s
}

// Len reports how many instances take part.
func (s *Scheduler) Len() int {
	return len(s.slots)
}

// Period is the number of picks after which the sequence repeats.
func (s *Scheduler) Period() int {
	return s.total
}

// Peek returns the instance the next Advance will commit to, without moving.
func (s *Scheduler) Peek() domain.Instance {
	return s.slots[s.pick()].instance
}

// Advance commits the pick returned by Peek.
func (s *Scheduler) Advance() {
	best := s.pick()
	for i := range s.slots {
		s.slots[i].current += s.slots[i].weight
	}
	s.slots[best].current -= s.total
}

// Next picks and commits in one step.
func (s *Scheduler) Next() domain.Instance {
	inst := s.Peek()
	s.Advance()
	return inst
}

// Skip moves the schedule forward by n picks, so a resumed campaign continues
// at the offset it had reached.
func (s *Scheduler) Skip(n int64) {
	if s.total == 0 || n <= 0 {
		return
	}
	for i := n % int64(s.total); i > 0; i-- {
		s.Advance()
	}
}

func (s *Scheduler) pick() int {
	best := 0
	bestScore := s.slots[0].current + s.slots[0].weight
	for i := 1; i < len(s.slots); i++ {
		score := s.slots[i].current + s.slots[i].weight
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}
