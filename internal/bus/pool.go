package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// SenderPool multiplexes sends over a fixed set of long-lived senders. Each
// sender is guarded by its own mutex so at most one send is in flight per
// sender; callers rotate over the pool round-robin.
type SenderPool struct {
	slots []*poolSlot
	next  atomic.Uint64
}

type poolSlot struct {
	mu     sync.Mutex
	sender Sender
}

// NewSenderPool builds a pool of size senders from the factory. On partial
// failure the already-created senders are closed and the error returned.
func NewSenderPool(ctx context.Context, size int, factory func() (Sender, error)) (*SenderPool, error) {
	if size < 1 {
		return nil, errors.New("sender pool size must be at least 1")
	}
	p := &SenderPool{slots: make([]*poolSlot, 0, size)}
	for i := 0; i < size; i++ {
		s, err := factory()
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("creating pool sender %d: %w", i, err)
		}
		p.slots = append(p.slots, &poolSlot{sender: s})
	}
	return p, nil
}

// Send publishes via the next pool slot, waiting if that slot is busy.
func (p *SenderPool) Send(ctx context.Context, msg *Message) error {
	slot := p.slots[p.next.Add(1)%uint64(len(p.slots))]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.sender.Send(ctx, msg)
}

// Size returns the number of pooled senders.
func (p *SenderPool) Size() int {
	return len(p.slots)
}

// Close closes every pooled sender and returns the first error seen.
func (p *SenderPool) Close(ctx context.Context) error {
	var firstErr error
	for _, slot := range p.slots {
		slot.mu.Lock()
		if err := slot.sender.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		slot.mu.Unlock()
	}
	return firstErr
}
