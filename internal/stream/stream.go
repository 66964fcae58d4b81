// Package stream fans consent lifecycle events out to in-process
// subscribers (SSE clients, the push-notification bridge). The consent
// core publishes and moves on; delivery is best-effort and never blocks
// a ledger operation.
package stream

import (
	"context"
	"sync"

	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
)

// Stream fan-outs consent events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan consent.Event
	next int
}

var _ consent.Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan consent.Event)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan consent.Event {
	ch := make(chan consent.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt consent.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
