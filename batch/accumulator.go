package batch

import "github.com/xraph/entitle/entitlement"

// Accumulator collects mutations into a single open group. It holds no store
// handle; the Coordinator decides what to do with a sealed group.
//
// A group is considered full at maxGroupSize-1 mutations, leaving one slot of
// headroom under the store's atomic write cap.
type Accumulator struct {
	capacity int
	current  []entitlement.Mutation
}

// NewAccumulator returns an accumulator for a store whose atomic groups are
// capped at maxGroupSize. Caps below 2 yield single-mutation groups.
func NewAccumulator(maxGroupSize int) Accumulator {
	return Accumulator{capacity: Capacity(maxGroupSize)}
}

// Capacity is the number of mutations an open group takes before it is sealed.
func Capacity(maxGroupSize int) int {
	return max(maxGroupSize-1, 1)
}

// Add appends m to the open group.
func (a *Accumulator) Add(m entitlement.Mutation) {
	a.Cap()
	a.current = append(a.current, m)
}

// Cap returns the open group's capacity. A zero Accumulator takes the
// default store cap.
func (a *Accumulator) Cap() int {
	if a.capacity == 0 {
		a.capacity = Capacity(entitlement.DefaultMaxGroupSize)
	}
	return a.capacity
}

// Fits reports whether n more mutations fit in the open group.
func (a *Accumulator) Fits(n int) bool {
	return len(a.current)+n <= a.Cap()
}

// IsFull reports whether the open group reached capacity.
func (a *Accumulator) IsFull() bool {
	return a.capacity > 0 && len(a.current) >= a.capacity
}

// FlushIfFull seals and returns the open group when it is full.
func (a *Accumulator) FlushIfFull() ([]entitlement.Mutation, bool) {
	if !a.IsFull() {
		return nil, false
	}
	return a.Flush(), true
}

// Flush seals and returns the open group, which may be empty.
func (a *Accumulator) Flush() []entitlement.Mutation {
	g := a.current
	a.current = nil
	return g
}

// Len returns the number of mutations in the open group.
func (a *Accumulator) Len() int {
	return len(a.current)
}
