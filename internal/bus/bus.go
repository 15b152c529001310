// Package bus is the in-process event bus: topics keyed by event kind,
// handlers dispatched asynchronously so a slow subscriber never blocks the
// publisher or other subscribers.
package bus

import (
	"sync"

	"github.com/brice/clapcore/internal/model"
)

// Handler receives one published event. It runs in its own goroutine.
type Handler func(model.Event)

// Bus is safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[model.Kind][]Handler
	wg   sync.WaitGroup
}

func New() *Bus {
	return &Bus{subs: make(map[model.Kind][]Handler)}
}

// Subscribe registers handler under topic. Order of delivery across
// subscribers of the same topic is not guaranteed.
func (b *Bus) Subscribe(topic model.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish dispatches ev to every subscriber of ev.Kind. Each handler runs in
// its own tracked goroutine; Publish does not wait for them.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[ev.Kind]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			h(ev)
		}()
	}
}

// Wait blocks until every dispatched handler has returned. Used during
// shutdown so in-flight Recording Supervisor triggers aren't abandoned
// mid-dispatch.
func (b *Bus) Wait() {
	b.wg.Wait()
}
