package mcpservice

import (
	"sync"
)

// ChangeNotifier is a small in-process pub-sub used by the tool, prompt and
// resource containers to signal that their listing changed so that
// list_changed notifications can be pushed to clients.
type ChangeNotifier struct {
	subscribers   []chan struct{}
	subscribersMu sync.RWMutex
}

// Notify signals every subscriber. Sends never block: a subscriber that has
// not drained the previous signal simply coalesces this one.
func (cn *ChangeNotifier) Notify() {
	cn.subscribersMu.RLock()
	defer cn.subscribersMu.RUnlock()

	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ChangeSubscriber is implemented by containers whose listing can change.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

// Subscriber returns a channel that receives a signal whenever Notify is called.
// The returned channel is buffered with capacity 1.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}
