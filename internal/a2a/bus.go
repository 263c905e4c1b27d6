package a2a

import (
	"sync"

	gateway "github.com/eugener/plexus/internal"
)

// subscriberBuffer bounds the per-subscriber channel so a slow SSE client
// cannot block event delivery to other subscribers of the same task.
const subscriberBuffer = 64

// taskBroadcaster fans out a single task's events to its live subscribers.
// Replay (events already on disk) is served separately by ListTaskEvents;
// the broadcaster only carries events published after a subscriber attaches.
type taskBroadcaster struct {
	mu     sync.Mutex
	subs   map[chan gateway.A2ATaskEvent]struct{}
	closed bool
}

func newBroadcaster() *taskBroadcaster {
	return &taskBroadcaster{subs: make(map[chan gateway.A2ATaskEvent]struct{})}
}

func (b *taskBroadcaster) subscribe() chan gateway.A2ATaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan gateway.A2ATaskEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

func (b *taskBroadcaster) unsubscribe(ch chan gateway.A2ATaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *taskBroadcaster) publish(e gateway.A2ATaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop rather than block the publisher
		}
	}
}

// close marks the broadcaster terminal and closes every subscriber channel.
// Called once a task reaches a terminal state (spec.md §5 "listeners are
// removed on client disconnect or terminal state").
func (b *taskBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// bus is the process-local event emitter for live task-event subscriptions.
// It holds one broadcaster per task, created lazily on the first subscribe or
// publish for that task and dropped once the task terminates.
type bus struct {
	mu   sync.Mutex
	byID map[string]*taskBroadcaster
}

func newBus() *bus {
	return &bus{byID: make(map[string]*taskBroadcaster)}
}

func (b *bus) get(taskID string) *taskBroadcaster {
	b.mu.Lock()
	defer b.mu.Unlock()
	bc, ok := b.byID[taskID]
	if !ok {
		bc = newBroadcaster()
		b.byID[taskID] = bc
	}
	return bc
}

// subscribe returns a channel of live events for taskID and an unsubscribe
// func the caller must invoke (typically via defer) when done listening.
func (b *bus) subscribe(taskID string) (<-chan gateway.A2ATaskEvent, func()) {
	bc := b.get(taskID)
	ch := bc.subscribe()
	return ch, func() { bc.unsubscribe(ch) }
}

func (b *bus) publish(taskID string, e gateway.A2ATaskEvent) {
	b.get(taskID).publish(e)
}

// terminate closes and forgets the broadcaster for taskID.
func (b *bus) terminate(taskID string) {
	b.mu.Lock()
	bc, ok := b.byID[taskID]
	if ok {
		delete(b.byID, taskID)
	}
	b.mu.Unlock()
	if ok {
		bc.close()
	}
}
