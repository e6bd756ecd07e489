package notify

import "sync"

// Bus is an in-process notification channel shared by several endpoints,
// for instances running in one process.
type Bus struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Endpoint]struct{})}
}

// Join adds an endpoint to the bus.
func (b *Bus) Join() *Endpoint {
	e := &Endpoint{bus: b, signals: make(chan struct{}, 1)}
	b.mu.Lock()
	b.endpoints[e] = struct{}{}
	b.mu.Unlock()
	return e
}

// Endpoint is one participant of a Bus.
type Endpoint struct {
	bus       *Bus
	signals   chan struct{}
	closeOnce sync.Once
}

// Publish signals every other endpoint.
func (e *Endpoint) Publish() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	for other := range e.bus.endpoints {
		if other != e {
			signal(other.signals)
		}
	}
	return nil
}

// Signals returns the channel of announcements from other endpoints.
func (e *Endpoint) Signals() <-chan struct{} {
	return e.signals
}

// Close leaves the bus and closes the signal channel.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.bus.mu.Lock()
		delete(e.bus.endpoints, e)
		e.bus.mu.Unlock()
		close(e.signals)
	})
	return nil
}

var _ Channel = (*Endpoint)(nil)
