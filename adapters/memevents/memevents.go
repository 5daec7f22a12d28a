package memevents

import (
	"context"
	"sync"

	"github.com/luno/refine"
)

// Publisher keeps every published event in memory in publish order.
type Publisher struct {
	mu     sync.Mutex
	events []refine.Event
	err    error
}

func New() *Publisher {
	return &Publisher{}
}

var _ refine.EventPublisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, e refine.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.events = append(p.events, e)
	return nil
}

// Events returns a copy of the events published so far.
func (p *Publisher) Events() []refine.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]refine.Event(nil), p.events...)
}

// OfType returns the published events of type t.
func (p *Publisher) OfType(t refine.EventType) []refine.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var events []refine.Event
	for _, e := range p.events {
		if e.Type == t {
			events = append(events, e)
		}
	}

	return events
}

// FailWith makes every following Publish return err. A nil err restores normal behaviour.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = err
}
