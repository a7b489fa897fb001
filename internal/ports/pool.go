// Package ports hands out loopback TCP ports for terminal sessions from a
// fixed range.
package ports

import (
	"errors"
	"sync"
)

var ErrPoolExhausted = errors.New("port pool exhausted")

type Pool struct {
	mu   sync.Mutex
	base int
	used []bool
}

func NewPool(base, size int) *Pool {
	if size < 0 {
		size = 0
	}
	return &Pool{base: base, used: make([]bool, size)}
}

// Allocate returns the lowest free port in the range.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, inUse := range p.used {
		if !inUse {
			p.used[i] = true
			return p.base + i, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Free releases port. Freeing a free or out-of-range port is a no-op.
func (p *Pool) Free(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.index(port); ok {
		p.used[i] = false
	}
}

func (p *Pool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index(port)
	return ok && p.used[i]
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, inUse := range p.used {
		if !inUse {
			n++
		}
	}
	return n
}

func (p *Pool) Size() int { return len(p.used) }

func (p *Pool) index(port int) (int, bool) {
	i := port - p.base
	if i < 0 || i >= len(p.used) {
		return 0, false
	}
	return i, true
}
