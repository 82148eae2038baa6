package service

import (
	"context"
	"sync"
)

// ticket marks one version of a workflow between its commit attempt and the
// end of its post-commit emission
type ticket struct {
	id      string
	version int64
	done    chan struct{}
}

// emitOrder makes post-commit emission of one workflow follow version order
// within this process. A version is reserved before its CAS, so a later
// version can only commit after the earlier one is already reserved.
type emitOrder struct {
	mu      sync.Mutex
	pending map[string][]*ticket
}

func newEmitOrder() *emitOrder {
	return &emitOrder{pending: make(map[string][]*ticket)}
}

func (o *emitOrder) reserve(id string, version int64) *ticket {
	t := &ticket{id: id, version: version, done: make(chan struct{})}
	o.mu.Lock()
	o.pending[id] = append(o.pending[id], t)
	o.mu.Unlock()
	return t
}

func (o *emitOrder) release(t *ticket) {
	if t == nil {
		return
	}
	o.mu.Lock()
	list := o.pending[t.id]
	for i, p := range list {
		if p == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(o.pending, t.id)
	} else {
		o.pending[t.id] = list
	}
	o.mu.Unlock()
	close(t.done)
}

// wait blocks until every lower version reserved for the same workflow has
// been released. Reservations whose CAS loses are released right away.
func (o *emitOrder) wait(ctx context.Context, t *ticket) error {
	if t == nil {
		return nil
	}
	o.mu.Lock()
	var before []chan struct{}
	for _, p := range o.pending[t.id] {
		if p.version < t.version {
			before = append(before, p.done)
		}
	}
	o.mu.Unlock()

	for _, ch := range before {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// size is the number of workflows with reservations outstanding
func (o *emitOrder) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
