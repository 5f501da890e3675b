package policy

import "sync/atomic"

// atomicRules is a thin wrapper around atomic.Pointer[Rules] so Engine
// can hold a lock-free, hot-swappable rule snapshot.
type atomicRules struct {
	p atomic.Pointer[Rules]
}

func (a *atomicRules) Store(r *Rules) { a.p.Store(r) }

func (a *atomicRules) Load() *Rules {
	r := a.p.Load()
	if r == nil {
		return &Rules{}
	}
	return r
}
