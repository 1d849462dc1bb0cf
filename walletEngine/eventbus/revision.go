package eventbus

import (
	"context"
	"sync"
)

// StateChanged is published once per coalesced burst of state mutations.
type StateChanged struct {
	Revision uint64
}

// TopicStateChanged suppresses re-publishing a revision already announced.
var TopicStateChanged = NewTopic[StateChanged]("stateChanged", func(a, b StateChanged) bool {
	return a.Revision == b.Revision
})

// RevisionNotifier coalesces Bump calls into StateChanged events. Bumps made
// before the notifier loop gets to run collapse into a single revision event.
type RevisionNotifier struct {
	bus *Bus

	mu       sync.Mutex
	revision uint64
	kick     chan struct{}
}

// NewRevisionNotifier creates a notifier publishing on bus.
func NewRevisionNotifier(bus *Bus) *RevisionNotifier {
	return &RevisionNotifier{
		bus:  bus,
		kick: make(chan struct{}, 1),
	}
}

// Bump records a state mutation.
func (n *RevisionNotifier) Bump() {
	n.mu.Lock()
	n.revision++
	n.mu.Unlock()

	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// Revision returns the latest revision, published or not.
func (n *RevisionNotifier) Revision() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.revision
}

// Flush publishes the current revision if it has not been published yet.
func (n *RevisionNotifier) Flush() bool {
	rev := n.Revision()
	if rev == 0 {
		return false
	}
	return Publish(n.bus, TopicStateChanged, StateChanged{Revision: rev})
}

// Start runs the coalescing loop until ctx is done.
func (n *RevisionNotifier) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.kick:
				n.Flush()
			}
		}
	}()
}
