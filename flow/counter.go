package flow

import "sync/atomic"

// SumCounter is an atomic aggregate view over an init value plus a set of
// child counters, bound once at graph-build time (see Stage.addPrevStage).
// Reads sum the init value and every bound child; it is otherwise
// read-only from the perspective of any stage that does not own it.
type SumCounter struct {
	init     int64
	children []*atomic.Int64
}

// NewSumCounter creates a SumCounter with the given initial value and no
// bound children.
func NewSumCounter(init int64) *SumCounter {
	return &SumCounter{init: init}
}

// AddInitValue atomically increments the counter's own init value (used
// when injecting initial tasks directly into a stage).
func (c *SumCounter) AddInitValue(delta int64) {
	atomic.AddInt64(&c.init, delta)
}

// AppendCounter binds a new child counter, summed into future reads.
// Children are appended only at graph-build time, never during a run.
func (c *SumCounter) AppendCounter(child *atomic.Int64) {
	c.children = append(c.children, child)
}

// Value returns init + the sum of all bound children.
func (c *SumCounter) Value() int64 {
	total := atomic.LoadInt64(&c.init)
	for _, child := range c.children {
		total += child.Load()
	}
	return total
}
