// Package eventbus is a typed, synchronous publish/subscribe registry.
//
// Each Topic carries its payload type, so subscribers receive typed values
// without assertions. Publish delivers to subscribers in subscription order
// on the caller's goroutine. A topic may declare an equality hook; a publish
// equal to the previous one on that topic is suppressed.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Topic names an event stream carrying values of type T.
type Topic[T any] struct {
	name  string
	equal func(a, b T) bool
}

// NewTopic declares a topic. equal may be nil.
func NewTopic[T any](name string, equal func(a, b T) bool) Topic[T] {
	return Topic[T]{name: name, equal: equal}
}

// Name returns the topic name.
func (t Topic[T]) Name() string { return t.name }

type subscriber struct {
	id uint64
	fn func(any)
}

type topicState struct {
	subs    []subscriber
	last    any
	hasLast bool
}

// Bus is the registry of topic -> ordered subscriber list.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState
	nextID uint64
	logger zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topicState),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
}

func (b *Bus) state(name string) *topicState {
	st, ok := b.topics[name]
	if !ok {
		st = &topicState{}
		b.topics[name] = st
	}
	return st
}

// Subscribe registers fn on topic t and returns a function that removes it.
func Subscribe[T any](b *Bus, t Topic[T], fn func(T)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	st := b.state(t.name)
	st.subs = append(st.subs, subscriber{id: id, fn: func(v any) { fn(v.(T)) }})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			st := b.state(t.name)
			for i, s := range st.subs {
				if s.id == id {
					st.subs = append(st.subs[:i:i], st.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to the subscribers of t. It returns false when the
// topic's equality hook suppressed the event.
func Publish[T any](b *Bus, t Topic[T], v T) bool {
	b.mu.Lock()
	st := b.state(t.name)
	if t.equal != nil && st.hasLast {
		if prev, ok := st.last.(T); ok && t.equal(prev, v) {
			b.mu.Unlock()
			return false
		}
	}
	st.last = v
	st.hasLast = true
	subs := append([]subscriber(nil), st.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(t.name, s, v)
	}
	return true
}

// SubscriberCount returns the number of subscribers on t.
func SubscriberCount[T any](b *Bus, t Topic[T]) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state(t.name).subs)
}

// deliver isolates publishers from panicking subscribers.
func (b *Bus) deliver(topic string, s subscriber, v any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", topic).
				Str("panic", fmt.Sprint(r)).
				Msg("event subscriber panicked")
		}
	}()
	s.fn(v)
}
