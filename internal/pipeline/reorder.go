package pipeline

import (
	"sync"

	"github.com/waifuos/waifud/internal/protocol"
)

// reorderBuffer releases events to the emitter strictly in sequence
// order. Producers deliver out of order (synthesis of later units can
// finish first); the buffer holds early arrivals until every lower
// sequence number has been emitted.
type reorderBuffer struct {
	mu      sync.Mutex
	next    int
	pending map[int]protocol.TurnEvent
	emit    func(protocol.TurnEvent) error
	err     error
}

func newReorderBuffer(emit func(protocol.TurnEvent) error) *reorderBuffer {
	return &reorderBuffer{
		pending: make(map[int]protocol.TurnEvent),
		emit:    emit,
	}
}

// Put delivers the event for one sequence slot and flushes every
// consecutive slot that is now ready. Emission happens under the lock
// so release order is exactly sequence order. After the first emitter
// failure the buffer swallows further deliveries and keeps the error.
func (b *reorderBuffer) Put(seq int, ev protocol.TurnEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.pending[seq] = ev
	for {
		next, ok := b.pending[b.next]
		if !ok {
			return nil
		}
		delete(b.pending, b.next)
		if err := b.emit(next); err != nil {
			b.err = err
			return err
		}
		b.next++
	}
}

// Err reports the first emitter failure, if any.
func (b *reorderBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
