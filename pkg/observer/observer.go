// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package observer defines the contract the core presents to an
// out-of-process inspection surface (a UI backed by a ring buffer of
// captured request/response pairs). This repository does not implement
// such a store or UI; pkg/eventbus.Bus is the only Store this repo
// ships, suitable for in-process observers and editors.
package observer

import "github.com/TiltMeSenpai/proxy-project/pkg/events"

// Store is the subscription surface a storage/UI layer consumes. A
// subscriber reads events in delivery order, may observe gaps via Lag,
// and receives a Shutdown event when the proxy stops.
type Store interface {
	// Subscribe registers a pure observer. Events it receives never carry
	// a Callback, even for otherwise-mutable kinds.
	Subscribe() (id string, ch <-chan events.Event)

	// SubscribeEditor registers an editor. Events it receives for mutable
	// kinds (heads, chunks) carry a Callback the editor may use to
	// supply a same-kind replacement within a finite time; dropping the
	// callback releases the sender with the original message.
	SubscribeEditor() (id string, ch <-chan events.Event)

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(id string)

	// Lag reports how many events were dropped to this subscriber due to
	// a full buffer. It never blocks and never causes the proxy to
	// block.
	Lag(id string) uint64
}
