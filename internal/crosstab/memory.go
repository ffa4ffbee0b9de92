package crosstab

import (
	"context"
	"sync"
)

// Broker is the in-process record channel shared by every tab Bus in the
// same process. Append broadcasts to all attached members, the appender
// included (echo suppression lives in the Bus, not here).
type Broker struct {
	mu      sync.Mutex
	members map[int]chan Record
	nextID  int
	dropped uint64
}

// NewBroker builds an empty broker.
func NewBroker() *Broker {
	return &Broker{members: map[int]chan Record{}}
}

func (br *Broker) broadcast(rec Record) {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, ch := range br.members {
		select {
		case ch <- rec:
		default:
			// never block a publisher on a slow tab
			br.dropped++
		}
	}
}

// Dropped reports records lost to full member buffers.
func (br *Broker) Dropped() uint64 {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.dropped
}

// Attach creates a member channel with the given inbound buffer.
func (br *Broker) Attach(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	br.mu.Lock()
	id := br.nextID
	br.nextID++
	br.members[id] = ch
	br.mu.Unlock()
	return &MemoryChannel{br: br, id: id, in: ch}
}

// MemoryChannel is one member's handle on a Broker.
type MemoryChannel struct {
	br *Broker
	id int
	in chan Record

	mu     sync.Mutex
	closed bool
}

var _ Channel = (*MemoryChannel)(nil)

func (m *MemoryChannel) Append(ctx context.Context, rec Record) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.br.broadcast(rec)
	return nil
}

func (m *MemoryChannel) Run(ctx context.Context, deliver func(Record)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-m.in:
			if !ok {
				return nil
			}
			deliver(rec)
		}
	}
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.br.mu.Lock()
	delete(m.br.members, m.id)
	m.br.mu.Unlock()
	close(m.in)
	return nil
}
