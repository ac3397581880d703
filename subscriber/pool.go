// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

// DefaultPoolSize is used when a pool is created with a non-positive size.
const DefaultPoolSize = 64

// Pool bounds the number of dispatch workers running concurrently across
// all subscribers sharing it. Each subscription epoch holds one slot for
// its lifetime, so the pool must be sized to at least the partition count
// plus headroom for workers abandoned mid-dispatch: an abandoned worker
// keeps its slot until its handler returns.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a dispatch pool with the given number of slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Size returns the total number of slots.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int {
	return len(p.slots)
}

func (p *Pool) release() {
	<-p.slots
}
