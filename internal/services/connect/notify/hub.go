// Package notify carries OAuth callback outcomes from the callback receiver
// to the UI session that started the flow.
package notify

import (
	"strings"
	"sync"
	"time"
)

// subscriberBuffer bounds how many outcomes may queue for a slow subscriber
// before new ones are dropped.
const subscriberBuffer = 4

// Outcome is the result of one authorization callback.
type Outcome struct {
	UserID   string    `json:"user_id"`
	Provider string    `json:"provider"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type topic struct {
	userID   string
	provider string
}

type subscriber struct {
	ch chan Outcome
}

// Hub fans outcomes out to subscribers of the same user and provider.
type Hub struct {
	mu     sync.Mutex
	topics map[topic]map[*subscriber]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[topic]map[*subscriber]struct{})}
}

// Subscribe registers for outcomes of userID's flows with provider. The
// returned cancel func must be called to release the subscription; the
// channel is closed afterwards.
func (h *Hub) Subscribe(userID string, provider string) (<-chan Outcome, func()) {
	key := topicFor(userID, provider)
	sub := &subscriber{ch: make(chan Outcome, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	subs, ok := h.topics[key]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[key] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs, ok := h.topics[key]
			if !ok {
				return
			}
			if _, ok := subs[sub]; !ok {
				return
			}
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, key)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers outcome to every current subscriber of its user and
// provider and returns how many received it. Slow subscribers with a full
// buffer miss the outcome.
func (h *Hub) Publish(outcome Outcome) int {
	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}
	key := topicFor(outcome.UserID, outcome.Provider)

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for sub := range h.topics[key] {
		select {
		case sub.ch <- outcome:
			delivered++
		default:
		}
	}
	return delivered
}

// Close ends every subscription. Later subscriptions receive a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, key)
	}
}

func topicFor(userID, provider string) topic {
	return topic{
		userID:   strings.TrimSpace(userID),
		provider: strings.ToLower(strings.TrimSpace(provider)),
	}
}
