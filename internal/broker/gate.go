package broker

import (
	"context"
	"sync"
)

// Gate grants exclusive access for one transaction. Implementations must
// serialize every body that could observe or mutate the same store.
type Gate interface {
	// Acquire blocks until access to storeID is granted or ctx is done.
	// The returned release func must be called exactly once.
	Acquire(ctx context.Context, storeID string) (release func(), err error)
}

// GlobalGate is a single lock shared by every store, so two transactions
// on different stores still run one after the other.
type GlobalGate struct {
	slot chan struct{}
}

// NewGlobalGate creates an unlocked GlobalGate.
func NewGlobalGate() *GlobalGate {
	return &GlobalGate{slot: make(chan struct{}, 1)}
}

// Acquire implements Gate.
func (g *GlobalGate) Acquire(ctx context.Context, _ string) (func(), error) {
	select {
	case g.slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-g.slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PerStoreGate keeps one lock per store id. Transactions on the same store
// serialize; transactions on different stores may run concurrently.
type PerStoreGate struct {
	mu    sync.Mutex
	gates map[string]*GlobalGate
}

// NewPerStoreGate creates an empty lock table.
func NewPerStoreGate() *PerStoreGate {
	return &PerStoreGate{gates: make(map[string]*GlobalGate)}
}

// Acquire implements Gate.
func (p *PerStoreGate) Acquire(ctx context.Context, storeID string) (func(), error) {
	p.mu.Lock()
	g, ok := p.gates[storeID]
	if !ok {
		g = NewGlobalGate()
		p.gates[storeID] = g
	}
	p.mu.Unlock()
	return g.Acquire(ctx, storeID)
}
