package workflow

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention is how long resolved ids are remembered.
const DefaultRetention = 10 * time.Minute

// Outcome is the terminal result delivered to a waiter.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Options configures a registered workflow.
type Options[M, R any] struct {
	// Timeout ends the workflow after the duration. Zero waits indefinitely.
	Timeout time.Duration

	// OnTimeout produces the outcome delivered on timeout. When nil the
	// waiter receives ErrTimeout.
	OnTimeout func(id string, meta M) Outcome[R]
}

// Entry is one pending workflow.
type Entry[M, R any] struct {
	ID   string
	Meta M

	table *Table[M, R]
	timer *time.Timer
	done  chan Outcome[R]
	once  sync.Once
}

// Complete delivers the outcome to the waiter. Only the first call has effect.
func (e *Entry[M, R]) Complete(value R, err error) {
	e.once.Do(func() {
		e.done <- Outcome[R]{Value: value, Err: err}
	})
}

// Wait blocks until the workflow ends. If ctx ends first the workflow is
// cancelled with ctx.Err(), unless a resolver already took it, in which case
// the resolver's outcome is returned.
func (e *Entry[M, R]) Wait(ctx context.Context) (R, error) {
	select {
	case out := <-e.done:
		return out.Value, out.Err
	case <-ctx.Done():
		if taken, err := e.table.Take(e.ID, nil); err == nil {
			var zero R
			taken.Complete(zero, ctx.Err())
		}
		out := <-e.done
		return out.Value, out.Err
	}
}

// Table is a concurrent-safe set of pending workflows keyed by id.
type Table[M, R any] struct {
	mu        sync.Mutex
	pending   map[string]*Entry[M, R]
	resolved  map[string]time.Time
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewTable creates an empty table. A non-positive retention uses DefaultRetention.
func NewTable[M, R any](retention time.Duration) *Table[M, R] {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Table[M, R]{
		pending:   make(map[string]*Entry[M, R]),
		resolved:  make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Register adds a pending workflow and arms its timeout.
func (t *Table[M, R]) Register(id string, meta M, opts Options[M, R]) (*Entry[M, R], error) {
	e := &Entry[M, R]{
		ID:    id,
		Meta:  meta,
		table: t,
		done:  make(chan Outcome[R], 1),
	}

	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicate
	}
	t.pending[id] = e
	if opts.Timeout > 0 {
		e.timer = time.AfterFunc(opts.Timeout, func() { t.expire(id, opts.OnTimeout) })
	}
	t.mu.Unlock()

	return e, nil
}

func (t *Table[M, R]) expire(id string, onTimeout func(string, M) Outcome[R]) {
	e, err := t.Take(id, nil)
	if err != nil {
		return
	}
	if onTimeout == nil {
		var zero R
		e.Complete(zero, ErrTimeout)
		return
	}
	out := onTimeout(id, e.Meta)
	e.Complete(out.Value, out.Err)
}

// Take atomically removes the pending workflow after guard accepts its
// metadata. A guard error is returned as-is and leaves the entry pending.
// The caller owns the returned entry and must Complete it.
func (t *Table[M, R]) Take(id string, guard func(meta M) error) (*Entry[M, R], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[id]
	if !ok {
		if _, gone := t.resolved[id]; gone {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrNotFound
	}
	if guard != nil {
		if err := guard(e.Meta); err != nil {
			return nil, err
		}
	}

	delete(t.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	now := t.now()
	t.resolved[id] = now
	t.pruneLocked(now)
	return e, nil
}

// Cancel ends a pending workflow with cause. Returns false if it was not pending.
func (t *Table[M, R]) Cancel(id string, cause error) bool {
	e, err := t.Take(id, nil)
	if err != nil {
		return false
	}
	if cause == nil {
		cause = ErrCancelled
	}
	var zero R
	e.Complete(zero, cause)
	return true
}

// Lookup returns the metadata of a pending workflow.
func (t *Table[M, R]) Lookup(id string) (M, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if !ok {
		var zero M
		return zero, false
	}
	return e.Meta, true
}

// Pending returns the metadata of every pending workflow.
func (t *Table[M, R]) Pending() []M {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]M, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e.Meta)
	}
	return out
}

// Len returns the number of pending workflows.
func (t *Table[M, R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table[M, R]) pruneLocked(now time.Time) {
	if now.Sub(t.lastPrune) < t.retention/10 {
		return
	}
	t.lastPrune = now
	for id, at := range t.resolved {
		if now.Sub(at) > t.retention {
			delete(t.resolved, id)
		}
	}
}
