// Package fanout distributes one shaper's packet sequence to any number of
// independent subscribers, each with its own read cursor and its own
// bounded drop-oldest window so a slow subscriber never stalls the
// producer or any other subscriber.
package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/alxayo/h264-relay/internal/shaper"
)

// DefaultWindow is the per-subscriber buffer depth before the fanout starts
// dropping that subscriber's oldest undelivered packet.
const DefaultWindow = 8

// ErrEnded is returned by Subscriber.Next once the shaper has ended or the
// subscriber itself was stopped.
var ErrEnded = errors.New("fanout: subscriber ended")

// Fanout is the one-producer-to-many-consumers relay for a single stream.
type Fanout struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	window int
	ended  bool
}

// New creates a Fanout whose subscribers buffer up to window packets before
// dropping. A non-positive window falls back to DefaultWindow.
func New(window int) *Fanout {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Fanout{subs: make(map[*Subscriber]struct{}), window: window}
}

// Subscribe attaches a new Subscriber that observes only packets fed after
// this call returns — packets produced earlier are never replayed. Returns
// nil if the fanout has already ended.
func (f *Fanout) Subscribe() *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return nil
	}
	sub := &Subscriber{
		fanout: f,
		signal: make(chan struct{}, 1),
		window: f.window,
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub, marking it ended. Safe to call more than once
// and safe to call concurrently with Feed.
func (f *Fanout) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
	sub.stop()
}

// Feed delivers pkt to every currently attached subscriber. Each delivery
// is non-blocking: a subscriber at its window limit drops its own oldest
// buffered packet rather than stalling this call.
func (f *Fanout) Feed(pkt shaper.Packet) {
	f.mu.Lock()
	subs := make([]*Subscriber, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(pkt)
	}
}

// End signals every attached subscriber that the source has ended and
// prevents new subscriptions. Idempotent.
func (f *Fanout) End() {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	subs := make([]*Subscriber, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[*Subscriber]struct{})
	f.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Subscriber is one independent read cursor over a Fanout's packet stream.
type Subscriber struct {
	fanout *Fanout

	mu      sync.Mutex
	buf     []shaper.Packet
	stopped bool
	signal  chan struct{}
	window  int
	onStop  func()
}

// SetOnStop registers a callback invoked exactly once, the first time this
// subscriber stops — whether via Stop, Unsubscribe, or the fanout itself
// ending. Lets a caller (e.g. a negotiated peer connection) tear itself
// down when the fanout stops it rather than only when it stops itself.
func (s *Subscriber) SetOnStop(f func()) {
	s.mu.Lock()
	s.onStop = f
	s.mu.Unlock()
}

func (s *Subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscriber) deliver(pkt shaper.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if len(s.buf) >= s.window {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, pkt)
	s.wake()
}

func (s *Subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	onStop := s.onStop
	s.mu.Unlock()

	s.wake()
	if onStop != nil {
		onStop()
	}
}

// Stop detaches this subscriber from its fanout and terminates it. Safe to
// call more than once.
func (s *Subscriber) Stop() {
	s.fanout.Unsubscribe(s)
}

// Next blocks until a packet is available, the source ended, the
// subscriber was stopped, or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (shaper.Packet, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			pkt := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return pkt, nil
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return shaper.Packet{}, ErrEnded
		}
		select {
		case <-s.signal:
		case <-ctx.Done():
			return shaper.Packet{}, ctx.Err()
		}
	}
}
