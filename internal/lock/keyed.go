package lock

import (
	"context"
	"sync"
)

// Table is an in-process table of exclusive sections keyed by string.
// Entries exist only while some caller holds or waits for them.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire blocks until the section for key is free or ctx is done. The
// returned release func must be called exactly once.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}, nil
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
