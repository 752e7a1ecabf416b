// Package registry implements the process-wide StreamRegistry: a
// concurrency-safe map from stream id to StreamEntry with a race-free
// create-if-absent and an owner-checked detach.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alxayo/h264-relay/internal/fanout"
	"github.com/alxayo/h264-relay/internal/frame"
	"github.com/alxayo/h264-relay/internal/logging"
	"github.com/alxayo/h264-relay/internal/shaper"
	"github.com/alxayo/h264-relay/internal/streamid"
)

// Entry is a single stream's live resources: its ingest queue, the shaper
// pinned to it, and the fanout distributing its shaped packets. Exactly one
// ProducerSession — the one that created it — owns teardown.
type Entry struct {
	ID            streamid.ID
	Queue         *frame.Queue
	Fanout        *fanout.Fanout
	OwnerID       string
	ended         atomic.Bool
	cancelShaping context.CancelFunc
	done          chan struct{}

	producerCloserMu sync.Mutex
	producerCloser   func()
}

// Ended reports whether the producer side of this stream has torn down.
func (e *Entry) Ended() bool { return e.ended.Load() }

// SetProducerCloser registers the callback that force-closes this entry's
// owning ingest connection. The registry invokes it during Shutdown so a
// blocked ReadMessage unblocks and that ProducerSession's read loop exits
// on its own.
func (e *Entry) SetProducerCloser(closer func()) {
	e.producerCloserMu.Lock()
	e.producerCloser = closer
	e.producerCloserMu.Unlock()
}

func (e *Entry) closeProducer() {
	e.producerCloserMu.Lock()
	closer := e.producerCloser
	e.producerCloserMu.Unlock()
	if closer != nil {
		closer()
	}
}

// run pins the shaper to this entry's queue for the lifetime of the
// StreamEntry, feeding every shaped packet to the fanout and ending the
// fanout once the terminal sentinel is observed or ctx is cancelled.
func (e *Entry) run(ctx context.Context, logger *slog.Logger) {
	defer close(e.done)
	sh := shaper.New(e.Queue, logger)
	_ = sh.Run(ctx, func(p shaper.Packet) {
		e.Fanout.Feed(p)
	})
	e.ended.Store(true)
	e.Fanout.End()
}

// Registry is the process-wide stream-id -> Entry map.
type Registry struct {
	mu      sync.RWMutex
	entries map[streamid.ID]*Entry

	queueCapacity int
	fanoutWindow  int
}

// Options configures capacities shared by every entry the registry creates.
type Options struct {
	QueueCapacity int
	FanoutWindow  int
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	return &Registry{
		entries:       make(map[streamid.ID]*Entry),
		queueCapacity: opts.QueueCapacity,
		fanoutWindow:  opts.FanoutWindow,
	}
}

// CreateOrAttach returns the existing Entry for id if present (created =
// false), or constructs and inserts a new one (created = true). Only a
// caller that receives created = true is responsible for eventually
// calling Detach with the same ownerID.
func (r *Registry) CreateOrAttach(id streamid.ID, ownerID string) (entry *Entry, created bool) {
	r.mu.RLock()
	if e, ok := r.entries[id]; ok {
		r.mu.RUnlock()
		return e, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok { // double-checked
		return e, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Entry{
		ID:            id,
		Queue:         frame.New(r.queueCapacity),
		Fanout:        fanout.New(r.fanoutWindow),
		OwnerID:       ownerID,
		cancelShaping: cancel,
		done:          make(chan struct{}),
	}
	r.entries[id] = e
	go e.run(ctx, logging.WithStream(logging.Logger(), id.String()))
	return e, true
}

// Lookup returns the Entry for id, if any, as a read-only snapshot.
func (r *Registry) Lookup(id streamid.ID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Detach removes the Entry for id if it exists and its OwnerID matches
// ownerID, marks it ended, and signals its queue's terminal sentinel.
// Callers other than the owner are a no-op (RegistryRaceLost, not an
// error): the non-owning producer simply keeps feeding a queue someone
// else will tear down.
func (r *Registry) Detach(id streamid.ID, ownerID string) (*Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.OwnerID != ownerID {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.Queue.EnqueueTerminal()
	e.cancelShaping()
	<-e.done
	return e, true
}

// Count returns the number of currently registered streams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown force-tears-down every currently registered stream: closes each
// one's owning ingest connection, cancels its shaping goroutine, and waits
// for that goroutine to end its fanout. Ending the fanout stops every
// attached subscriber, which — via each subscriber's OnStop hook — closes
// its negotiated peer connection too. Called once, from the CLI's graceful
// shutdown path, so no ingest websocket or viewer PeerConnection outlives
// the process past the shutdown window.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[streamid.ID]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.closeProducer()
		e.Queue.EnqueueTerminal()
		e.cancelShaping()
		<-e.done
	}
}
