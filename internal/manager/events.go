package manager

import (
	"assetxfer/internal/transfer"
)

// EventType tells what happened to a task
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// subscriberBuffer bounds how far a subscriber may fall behind before events are dropped
const subscriberBuffer = 256

// Event carries a snapshot of a task after a change
type Event struct {
	Type EventType
	Task transfer.Task
}

// Subscribe returns a stream of task events and a function ending the
// subscription. A subscriber that does not keep up misses events; every event
// carries a full snapshot, so a later one supersedes those lost. The channel
// is closed by the cancel function or by Close.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[id]; ok {
			close(sub)
			delete(m.subscribers, id)
		}
	}
}

func (m *Manager) publishLocked(typ EventType, t *transfer.Task) {
	if len(m.subscribers) == 0 {
		return
	}
	ev := Event{Type: typ, Task: t.Clone()}
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
