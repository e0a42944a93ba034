// Package queue implements the command channel: a request/reply discipline
// layered on two primitives, a named FIFO queue and a publish/subscribe
// channel keyed by correlation id.
package queue

import (
	"errors"
	"sync"
)

// Broker exposes the two transport primitives. Implementations must keep
// each named queue strictly FIFO and deliver a published message to every
// current subscriber of the channel.
type Broker interface {
	// Push appends a payload to the tail of the named queue.
	Push(queue string, payload []byte) error
	// Pop removes the head of the named queue. The boolean is false when
	// the queue is empty; Pop never blocks.
	Pop(queue string) ([]byte, bool, error)
	// Publish delivers a payload to subscribers of the channel.
	Publish(channel string, payload []byte) error
	// Subscribe registers for messages on the channel. The cancel func
	// must be called exactly once to release the subscription.
	Subscribe(channel string) (<-chan []byte, func(), error)
}

// Queue names of the command channel.
const (
	QueueOrder = "Order"
	QueueUser  = "User"
)

var ErrBrokerClosed = errors.New("broker closed")

// Memory is an in-process Broker. It mirrors the semantics of a Redis
// list + pub/sub pair and serves as the seam where an external broker
// would plug in.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		lists: make(map[string][][]byte),
		subs:  make(map[string]map[int]chan []byte),
	}
}

func (m *Memory) Push(queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBrokerClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.lists[queue] = append(m.lists[queue], cp)
	return nil
}

func (m *Memory) Pop(queue string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrBrokerClosed
	}
	list := m.lists[queue]
	if len(list) == 0 {
		return nil, false, nil
	}
	head := list[0]
	m.lists[queue] = list[1:]
	return head, true, nil
}

func (m *Memory) Publish(channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBrokerClosed
	}
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
			// Subscriber buffer full; a reply channel holds at most one
			// message so this only drops duplicates.
		}
	}
	return nil
}

func (m *Memory) Subscribe(channel string) (<-chan []byte, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrBrokerClosed
	}

	id := m.nextID
	m.nextID++
	ch := make(chan []byte, 1)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan []byte)
	}
	m.subs[channel][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.subs[channel]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.subs, channel)
			}
		}
	}
	return ch, cancel, nil
}

// Close rejects all further operations.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
