package scheduler

import "math"

// Capacity reports worker availability for adaptive scheduling.
type Capacity interface {
	// IdleFraction is free capacity over total capacity, in [0,1].
	IdleFraction() float64
	// Capacity is the total number of concurrent task slots.
	Capacity() int
}

// throttle bounds how many steps of one workflow may run at once.
// For the adaptive strategy the limit moves one step at a time toward a
// target proportional to the worker capacity this workflow could use.
type throttle struct {
	max      int
	limit    int
	adaptive bool
	capacity Capacity
}

func newThrottle(cfg Config, capacity Capacity) *throttle {
	t := &throttle{
		max:      cfg.parallelism(),
		adaptive: cfg.Strategy == StrategyAdaptive && capacity != nil,
		capacity: capacity,
	}
	t.limit = t.max
	if t.adaptive {
		t.limit = t.target(0)
	}
	return t
}

// target computes the desired limit given this workflow's in-flight steps,
// which count as usable capacity rather than contention.
func (t *throttle) target(inFlight int) int {
	total := t.capacity.Capacity()
	if total <= 0 {
		return 1
	}
	usable := t.capacity.IdleFraction() + float64(inFlight)/float64(total)
	want := int(math.Ceil(usable * float64(t.max)))
	return min(max(want, 1), t.max)
}

// adjust moves the limit one step toward the current target and returns it.
func (t *throttle) adjust(inFlight int) int {
	if !t.adaptive {
		return t.limit
	}
	switch target := t.target(inFlight); {
	case target > t.limit:
		t.limit++
	case target < t.limit:
		t.limit--
	}
	return t.limit
}
