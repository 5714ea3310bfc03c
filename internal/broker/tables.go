package broker

import (
	"encoding/json"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// correlationTable maps a request ID to the channel its submitter is waiting on.
type correlationTable struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{waiters: make(map[string]chan json.RawMessage)}
}

func (t *correlationTable) insert(id string, ch chan json.RawMessage) {
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
}

// take removes and returns the waiter for id. Only the caller that gets
// ok == true may write to the channel.
func (t *correlationTable) take(id string) (chan json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	return ch, ok
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// drain empties the table and returns every waiter that was in it.
func (t *correlationTable) drain() []chan json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chan json.RawMessage, 0, len(t.waiters))
	for id, ch := range t.waiters {
		out = append(out, ch)
		delete(t.waiters, id)
	}
	return out
}

type pickupEntry struct {
	cmd    PendingCommand
	notify chan struct{}
}

// pickupQueue holds commands in submission order with O(1) removal by ID.
type pickupQueue struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, *pickupEntry]
}

func newPickupQueue() *pickupQueue {
	return &pickupQueue{entries: orderedmap.New[string, *pickupEntry]()}
}

func (q *pickupQueue) push(e *pickupEntry) {
	q.mu.Lock()
	q.entries.Set(e.cmd.ID, e)
	q.mu.Unlock()
}

// popOldest removes the entry that has been waiting longest.
func (q *pickupQueue) popOldest() (*pickupEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	oldest := q.entries.Oldest()
	if oldest == nil {
		return nil, false
	}
	q.entries.Delete(oldest.Key)
	return oldest.Value, true
}

// remove is a no-op when the entry is already gone.
func (q *pickupQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries.Delete(id)
	return ok
}

func (q *pickupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

func (q *pickupQueue) drain() []*pickupEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*pickupEntry, 0, q.entries.Len())
	for pair := q.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	q.entries = orderedmap.New[string, *pickupEntry]()
	return out
}
