// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package events defines the typed event model that flows from the proxy's
// connection handlers to observers and editors: request/response heads and
// chunks, their terminal Done/Close markers, upgrade traffic, and the
// bus-wide Error/Msg/Shutdown announcements.
package events

import "net/http"

// Kind identifies the shape of an Event's payload.
type Kind int

const (
	// RequestHead carries the editable head of an inbound request.
	RequestHead Kind = iota
	// RequestChunk carries one chunk of a request body.
	RequestChunk
	// RequestDone marks the end of a request body, exactly once per id.
	RequestDone
	// ResponseHead carries the editable head of an upstream response.
	ResponseHead
	// ResponseChunk carries one chunk of a response body.
	ResponseChunk
	// ResponseDone marks the end of a response body, exactly once per id.
	ResponseDone
	// UpgradeOpen marks the start of a post-101 duplex relay for an id.
	UpgradeOpen
	// UpgradeTx carries one block written from the client toward upstream.
	UpgradeTx
	// UpgradeRx carries one block written from upstream toward the client.
	UpgradeRx
	// UpgradeClose marks the end of a duplex relay, exactly once per id.
	UpgradeClose
	// Error reports a recoverable failure scoped to an id.
	Error
	// Msg is a non-state-changing, bus-wide announcement (id 0).
	Msg
	// Shutdown is emitted once, with id 0, when the proxy stops.
	Shutdown
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case RequestHead:
		return "RequestHead"
	case RequestChunk:
		return "RequestChunk"
	case RequestDone:
		return "RequestDone"
	case ResponseHead:
		return "ResponseHead"
	case ResponseChunk:
		return "ResponseChunk"
	case ResponseDone:
		return "ResponseDone"
	case UpgradeOpen:
		return "UpgradeOpen"
	case UpgradeTx:
		return "UpgradeTx"
	case UpgradeRx:
		return "UpgradeRx"
	case UpgradeClose:
		return "UpgradeClose"
	case Error:
		return "Error"
	case Msg:
		return "Msg"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// RequestHeadData is the payload of a RequestHead event.
type RequestHeadData struct {
	Method  string
	URI     string
	Version string
	Header  http.Header
}

// ResponseHeadData is the payload of a ResponseHead event.
type ResponseHeadData struct {
	Status  int
	Version string
	Header  http.Header
}

// UpgradeChunk is the payload of an UpgradeTx/UpgradeRx event: a chunk of
// raw post-upgrade bytes tagged with its position in that direction's
// stream, so a reassembling observer can detect drops without relying on
// delivery order alone.
type UpgradeChunk struct {
	ChunkID uint32
	Bytes   []byte
}

// Callback is the single-shot reply channel attached to mutable events
// (heads and body chunks). The sender of an event that carries a Callback
// blocks only until either a reply arrives or the Callback channel's
// sender end is dropped/closed — the core treats an unresolved callback
// whose sender vanished as "no edit, use the original".
type Callback chan any

// Event is the tuple (id, kind, payload, optional callback) that flows
// through the bus. Payload's dynamic type is determined by Kind:
// RequestHead -> RequestHeadData, RequestChunk/ResponseChunk -> []byte,
// ResponseHead -> ResponseHeadData, UpgradeTx/UpgradeRx -> UpgradeChunk,
// Error/Msg -> string, RequestDone/ResponseDone/UpgradeOpen/UpgradeClose/
// Shutdown -> nil.
type Event struct {
	ID       uint32
	Kind     Kind
	Payload  any
	Callback Callback
}

// Reply sends a replacement payload back to the event's originator. It is
// safe to call at most once; a second call panics, matching a Go channel
// send on a channel that's already been used for its single shot (callers
// should only ever hold a Callback they intend to use once). Reply is a
// no-op if evt carries no Callback.
func (e Event) Reply(payload any) {
	if e.Callback == nil {
		return
	}
	e.Callback <- payload
	close(e.Callback)
}

// Resolve is called by the receiver of a Callback-bearing event to read
// back an edit, or discover that none arrived before cb was closed.
// It returns (payload, true) on an edit, (nil, false) otherwise.
func Resolve(cb Callback) (any, bool) {
	if cb == nil {
		return nil, false
	}
	payload, ok := <-cb
	return payload, ok
}
