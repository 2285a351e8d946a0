package store

import "sync/atomic"

// Clock stamps record writes with a strictly increasing modified counter.
//
// Open seeds it from MAX(records.modified) so stamps keep increasing across
// restarts. Safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next stamp is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next stamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued stamp.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
