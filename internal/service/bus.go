package service

import (
	"context"
	"sync"

	"bypassd/internal/model"
)

// RecordingBus keeps every published event in order
type RecordingBus struct {
	mu     sync.Mutex
	events []model.Event
	// Err, when set, is returned from every publish after recording
	Err error
}

func (b *RecordingBus) PublishEvent(ctx context.Context, e model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return b.Err
}

// Events returns a copy of the published events
func (b *RecordingBus) Events() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.events...)
}

// For returns the events of one workflow
func (b *RecordingBus) For(workflowID string) []model.Event {
	var out []model.Event
	for _, e := range b.Events() {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out
}

// Kinds lists the event kinds of one workflow in publish order
func (b *RecordingBus) Kinds(workflowID string) []model.EventKind {
	var out []model.EventKind
	for _, e := range b.For(workflowID) {
		out = append(out, e.Kind)
	}
	return out
}
