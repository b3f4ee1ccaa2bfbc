// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package envelope splits an HTTP message into an editable head and a
// streaming body, publishing the head as an event and optionally
// awaiting an edited replacement before the message continues toward its
// destination.
package envelope

import (
	"io"
	"net/http"

	"golang.org/x/net/http/httpguts"

	"github.com/TiltMeSenpai/proxy-project/pkg/events"
	"github.com/TiltMeSenpai/proxy-project/pkg/streambody"
)

// Publisher is the subset of pkg/eventbus.Bus an envelope needs.
type Publisher interface {
	Publish(events.Event)
}

// Request is the head+body pair for one proxied HTTP request.
type Request struct {
	Head events.RequestHeadData
	Body *streambody.Body

	// upgrade holds the hijacked connection when this request is paired
	// with a protocol upgrade (detached from the head, never serialised
	// into an event, per §4.E).
	upgrade io.ReadWriteCloser
}

// NewRequest publishes head as a RequestHead event, applies an edit if
// one arrives before body streaming begins, and returns the resulting
// Request.
func NewRequest(id uint32, head events.RequestHeadData, body io.ReadCloser, bus Publisher) *Request {
	head = applyHeadEdit(id, events.RequestHead, head, bus).(events.RequestHeadData)
	return &Request{
		Head: head,
		Body: streambody.NewRequestBody(id, body, bus),
	}
}

// SetUpgrade attaches a hijacked connection handle to the request, detached
// from the head. SetUpgrade/Upgrade never serialise into an event.
func (r *Request) SetUpgrade(rw io.ReadWriteCloser) { r.upgrade = rw }

// Upgrade returns the hijacked connection, if this request paired with a
// protocol upgrade.
func (r *Request) Upgrade() (io.ReadWriteCloser, bool) { return r.upgrade, r.upgrade != nil }

// Response is the head+body pair for one upstream HTTP response.
type Response struct {
	Head events.ResponseHeadData
	Body *streambody.Body

	upgrade io.ReadWriteCloser
}

// NewResponse publishes head as a ResponseHead event, applies an edit if
// one arrives before body streaming begins, and returns the resulting
// Response.
func NewResponse(id uint32, head events.ResponseHeadData, body io.ReadCloser, bus Publisher) *Response {
	head = applyHeadEdit(id, events.ResponseHead, head, bus).(events.ResponseHeadData)
	return &Response{
		Head: head,
		Body: streambody.NewResponseBody(id, body, bus),
	}
}

// SetUpgrade attaches a hijacked connection handle to the response.
func (r *Response) SetUpgrade(rw io.ReadWriteCloser) { r.upgrade = rw }

// Upgrade returns the hijacked connection, if this response paired with
// a protocol upgrade (HTTP status 101).
func (r *Response) Upgrade() (io.ReadWriteCloser, bool) { return r.upgrade, r.upgrade != nil }

// applyHeadEdit publishes a head event with a callback and returns either
// the original head or a same-kind, wire-valid replacement. A reply of a
// mismatched kind, or one that fails basic header validation, is treated
// as "no edit" per the Invariants section.
func applyHeadEdit(id uint32, kind events.Kind, original any, bus Publisher) any {
	cb := make(events.Callback, 1)
	bus.Publish(events.Event{ID: id, Kind: kind, Payload: original, Callback: cb})

	payload, ok := events.Resolve(cb)
	if !ok {
		return original
	}

	switch kind {
	case events.RequestHead:
		edited, ok := payload.(events.RequestHeadData)
		if !ok || !validHeader(edited.Header) {
			return original
		}
		return edited
	case events.ResponseHead:
		edited, ok := payload.(events.ResponseHeadData)
		if !ok || !validHeader(edited.Header) {
			return original
		}
		return edited
	default:
		return original
	}
}

// validHeader rejects an edited head whose header map contains a field
// name or value that would not survive re-serialisation onto the wire,
// so a malformed editor reply degrades to "use the original" instead of
// corrupting the forwarded request.
func validHeader(h http.Header) bool {
	if h == nil {
		return true
	}
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return false
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return false
			}
		}
	}
	return true
}
