// Package pool manages the fixed set of isolated agent contexts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arbor-sh/arbor/internal/worktree"
)

var (
	// ErrAcquireTimeout is returned when no slot frees up in time.
	ErrAcquireTimeout = errors.New("context acquire timed out")
	// ErrDoubleRelease is returned when a slot is released twice or was
	// never acquired.
	ErrDoubleRelease = errors.New("context released twice")
	// ErrIsolationCreate is returned when the backing worktree could not
	// be created. The slot remains usable.
	ErrIsolationCreate = errors.New("isolation create failed")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Slot is one isolated context. A slot is owned by at most one holder
// at a time.
type Slot struct {
	// ID is stable for the lifetime of the pool, "slot-0" through
	// "slot-N-1".
	ID string
	// Holder identifies who acquired the slot, usually a task ID.
	Holder string
	// Worktree is the bound checkout, nil until Bind succeeds.
	Worktree *worktree.Worktree
}

// Pool hands out slots to at most capacity concurrent holders. Waiters
// are served in arrival order.
type Pool struct {
	sem      *semaphore.Weighted
	provider worktree.Provider
	capacity int

	mu     sync.Mutex
	free   []*Slot
	held   map[string]*Slot
	closed bool
}

// New creates a pool of capacity slots backed by the given worktree
// provider.
func New(capacity int, provider worktree.Provider) *Pool {
	p := &Pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		provider: provider,
		capacity: capacity,
		held:     make(map[string]*Slot),
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Slot{ID: fmt.Sprintf("slot-%d", i)})
	}
	return p
}

// Acquire blocks until a slot is free, the timeout elapses, or ctx is
// canceled. A zero timeout waits on ctx alone.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration, holder string) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waited %s for %s", ErrAcquireTimeout, timeout, holder)
		}
		return nil, fmt.Errorf("acquire context for %s: %w", holder, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	slot := p.free[0]
	p.free = p.free[1:]
	slot.Holder = holder
	p.held[slot.ID] = slot
	return slot, nil
}

// Release returns a slot to the pool. Releasing a slot that is not held
// is an error and does not disturb the pool.
func (p *Pool) Release(slot *Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.held[slot.ID]
	if !ok || held != slot {
		return fmt.Errorf("%w: %s", ErrDoubleRelease, slot.ID)
	}
	delete(p.held, slot.ID)
	slot.Holder = ""
	p.free = append(p.free, slot)
	p.sem.Release(1)
	return nil
}

// Bind creates an isolated worktree for the slot. On failure the slot
// stays acquired and unbound so the caller can release or retry.
func (p *Pool) Bind(ctx context.Context, slot *Slot, name, baseRef string) error {
	wt, err := p.provider.Create(ctx, name, baseRef)
	if err != nil {
		return fmt.Errorf("%w: slot %s: %v", ErrIsolationCreate, slot.ID, err)
	}
	p.mu.Lock()
	slot.Worktree = wt
	p.mu.Unlock()
	return nil
}

// Unbind removes the slot's worktree if one is bound.
func (p *Pool) Unbind(ctx context.Context, slot *Slot, force bool) error {
	p.mu.Lock()
	wt := slot.Worktree
	slot.Worktree = nil
	p.mu.Unlock()
	if wt == nil {
		return nil
	}
	if err := p.provider.Remove(ctx, wt.Name, force); err != nil {
		return fmt.Errorf("unbind slot %s: %w", slot.ID, err)
	}
	return nil
}

// Capacity returns the pool size.
func (p *Pool) Capacity() int { return p.capacity }

// HeldCount returns how many slots are currently acquired.
func (p *Pool) HeldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Holders returns the holder of each acquired slot.
func (p *Pool) Holders() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.held))
	for id, slot := range p.held {
		out[id] = slot.Holder
	}
	return out
}

// SlotInfo is a point-in-time view of an acquired slot.
type SlotInfo struct {
	ID       string `json:"id"`
	Holder   string `json:"holder"`
	Worktree string `json:"worktree,omitempty"`
}

// Snapshot reports the currently held slots, sorted by ID.
func (p *Pool) Snapshot() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, 0, len(p.held))
	for _, slot := range p.held {
		info := SlotInfo{ID: slot.ID, Holder: slot.Holder}
		if slot.Worktree != nil {
			info.Worktree = slot.Worktree.Name
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close marks the pool closed. Held slots can still be released; new
// acquires fail.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
