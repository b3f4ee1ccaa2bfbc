// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package eventbus fans proxy events out to zero or more subscribers. It
// implements both channel flavours the design calls for: a broadcast
// mirror for pure observers (drop-oldest-on-lag, never blocks the hot
// path) and a request-reply flavour for editors, whose events carry
// single-shot Callback channels.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/TiltMeSenpai/proxy-project/pkg/events"
)

// DefaultBuffer is the per-subscriber channel depth used when a Bus is
// constructed with New. A full buffer causes the oldest queued event to
// be dropped and that subscriber's lag counter to be incremented; the
// publishing goroutine is never blocked waiting for a slow subscriber.
const DefaultBuffer = 128

type subscriber struct {
	id     string
	ch     chan events.Event
	editor bool
	lag    uint64
}

// Bus is the concrete, in-process implementation of pkg/observer.Store.
// It is the only observer-store implementation this repository ships; a
// persistence-backed ring buffer for a UI to read is explicitly out of
// scope (see spec §1).
type Bus struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]*subscriber
	closed bool
	logger zerolog.Logger
}

// New returns a Bus whose subscriber channels are buffered to size.
func New(size int, logger zerolog.Logger) *Bus {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Bus{
		buffer: size,
		subs:   make(map[string]*subscriber),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe registers a pure observer and returns its handle and receive
// end. A late subscriber sees only events published after this call
// returns.
func (b *Bus) Subscribe() (string, <-chan events.Event) {
	return b.subscribe(false)
}

// SubscribeEditor registers an editor subscriber. Events delivered on its
// channel carry a non-nil Callback whenever the originating Kind is
// mutable (heads and body chunks).
func (b *Bus) SubscribeEditor() (string, <-chan events.Event) {
	return b.subscribe(true)
}

func (b *Bus) subscribe(editor bool) (string, <-chan events.Event) {
	id := uuid.NewString()
	ch := make(chan events.Event, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = &subscriber{id: id, ch: ch, editor: editor}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing
// an unknown or already-removed id is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Lag reports how many events have been dropped to the given subscriber
// because its buffer was full when a Publish arrived.
func (b *Bus) Lag(id string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return 0
	}
	return sub.lag
}

// Publish fans evt out to every current subscriber. Editor subscribers
// that should see a callback receive evt verbatim (with its Callback, if
// any); observer subscribers always receive evt with Callback stripped,
// since a pure observer must never be relied upon to resolve an edit.
// Publish never blocks on a slow subscriber: a full channel is drained of
// its oldest entry (incrementing that subscriber's lag) before the new
// event is enqueued.
//
// If evt carries a Callback and no editor is currently subscribed to
// receive it, Publish closes the Callback itself before returning. This
// mirrors the drop-releases-the-waiter rule a reference-counted callback
// would give for free: nothing will ever reply, so the sender must not
// be left blocked in events.Resolve waiting on a reply that can't come.
func (b *Bus) Publish(evt events.Event) {
	b.mu.Lock()
	live := lo.Values(b.subs)
	b.mu.Unlock()

	deliveredToEditor := false
	for _, sub := range live {
		out := evt
		if !sub.editor {
			out.Callback = nil
		} else if evt.Callback != nil {
			deliveredToEditor = true
		}
		b.deliver(sub, out)
	}

	if evt.Callback != nil && !deliveredToEditor {
		close(evt.Callback)
	}
}

func (b *Bus) deliver(sub *subscriber, evt events.Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Buffer full: drop the oldest queued event and record the lag, then
	// retry once. The hot path never blocks past this single retry.
	select {
	case <-sub.ch:
		b.mu.Lock()
		sub.lag++
		b.mu.Unlock()
	default:
	}

	select {
	case sub.ch <- evt:
	default:
		// Another publisher raced us and refilled the buffer; count this
		// as lag too rather than blocking.
		b.mu.Lock()
		sub.lag++
		b.mu.Unlock()
	}
}

// Shutdown publishes events.Shutdown with id 0 to every subscriber, then
// closes all subscriber channels. The Bus is unusable after Shutdown;
// further Publish calls are no-ops and Subscribe/SubscribeEditor return
// already-closed channels.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	live := lo.Values(b.subs)
	b.closed = true
	b.mu.Unlock()

	shutdown := events.Event{ID: 0, Kind: events.Shutdown}
	for _, sub := range live {
		select {
		case sub.ch <- shutdown:
		default:
		}
		close(sub.ch)
	}

	b.mu.Lock()
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	b.logger.Info().Msg("event bus shut down")
}
