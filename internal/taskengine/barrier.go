package taskengine

import "sync"

// Barrier lets n concurrent participants rendezvous: each calls Wait
// and blocks until all n have called it, then all are released
// together. Synchronized task Handlers use this to implement rounds
// like vmn's distributed key generation, where every authority must
// have uploaded its share before any of them proceeds to the next
// round (spec.md §4.1 Synchronized semantics).
type Barrier struct {
	mu      sync.Mutex
	n       int
	count   int
	release chan struct{}
}

// NewBarrier returns a Barrier for exactly n participants.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, release: make(chan struct{})}
}

// Wait blocks until n participants have called Wait, then returns for
// all of them at once.
func (b *Barrier) Wait() {
	b.mu.Lock()
	b.count++
	last := b.count == b.n
	ch := b.release
	b.mu.Unlock()

	if last {
		close(ch)
		return
	}
	<-ch
}
