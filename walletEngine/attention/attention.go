// Package attention queues "please open the wallet" prompts for the UI.
//
// Requests are best-effort: RequestAttention never blocks and never fails
// the caller. A prompt for the same (reason, origin, method) is queued at
// most once per TTL window, and a queued prompt lapses once its window
// has passed.
package attention

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

const maxTracked = 256

// Reason is why the UI should be surfaced.
type Reason string

const (
	ReasonUnlockRequired   Reason = "unlock_required"
	ReasonApprovalRequired Reason = "approval_required"
)

// Request is one queued prompt.
type Request struct {
	Reason      Reason    `json:"reason"`
	Origin      string    `json:"origin"`
	Method      string    `json:"method"`
	ChainRef    string    `json:"chainRef,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

var TopicRequested = eventbus.NewTopic[Request]("attentionRequested", nil)

// Service dedups and queues attention prompts.
type Service struct {
	bus    *eventbus.Bus
	clock  clock.Clock
	logger zerolog.Logger

	ttl    time.Duration
	recent *lru.Cache[string, time.Time] // key -> last queued at

	mu    sync.Mutex
	queue []Request
}

// NewService creates an attention service with the given dedup window.
func NewService(bus *eventbus.Bus, clk clock.Clock, ttl time.Duration, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	recent, _ := lru.New[string, time.Time](maxTracked) // only fails on size <= 0
	return &Service{
		bus:    bus,
		clock:  clk,
		logger: logger.With().Str("component", "attention").Logger(),
		ttl:    ttl,
		recent: recent,
	}
}

// RequestAttention queues a prompt unless an identical one is still within
// its TTL window. It reports whether a prompt was queued.
func (s *Service) RequestAttention(reason Reason, origin, method, chainRef string) (queued bool) {
	if s == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprint(r)).Msg("attention request failed")
			queued = false
		}
	}()

	key := string(reason) + "|" + origin + "|" + method
	req := Request{
		Reason:      reason,
		Origin:      origin,
		Method:      method,
		ChainRef:    chainRef,
		RequestedAt: s.clock.Now(),
	}

	s.mu.Lock()
	if last, seen := s.recent.Get(key); seen && s.live(last, req.RequestedAt) {
		s.mu.Unlock()
		return false
	}
	s.recent.Add(key, req.RequestedAt)
	s.queue = append(s.pruneLocked(req.RequestedAt), req)
	s.mu.Unlock()

	s.logger.Debug().
		Str("reason", string(reason)).
		Str("origin", origin).
		Str("method", method).
		Msg("attention requested")

	if s.bus != nil {
		eventbus.Publish(s.bus, TopicRequested, req)
	}
	return true
}

// Pending returns a copy of the prompts still within their TTL window.
func (s *Service) Pending() []Request {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = s.pruneLocked(s.clock.Now())
	return append([]Request(nil), s.queue...)
}

func (s *Service) live(at, now time.Time) bool {
	return s.ttl <= 0 || now.Before(at.Add(s.ttl))
}

func (s *Service) pruneLocked(now time.Time) []Request {
	kept := s.queue[:0]
	for _, req := range s.queue {
		if s.live(req.RequestedAt, now) {
			kept = append(kept, req)
		}
	}
	return kept
}

// Clear drops queued prompts, e.g. once the UI has been shown.
func (s *Service) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}
