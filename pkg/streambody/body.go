// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package streambody wraps an incoming byte stream so that every chunk
// pulled from it is forwarded to the event bus, and — when an editor is
// attached — can be replaced before it reaches the downstream reader. It
// also guarantees the Done/Close event fires exactly once, whatever path
// ends the stream (clean EOF, explicit Close, or a dropped connection).
package streambody

import (
	"bufio"
	"io"
	"sync"

	"github.com/TiltMeSenpai/proxy-project/pkg/events"
)

// Publisher is the subset of pkg/eventbus.Bus that Body needs: the
// ability to fan an event out to subscribers.
type Publisher interface {
	Publish(events.Event)
}

// ChunkSize is the read buffer size used when pulling chunks from the
// wrapped stream.
const ChunkSize = 32 * 1024

// Body wraps an io.ReadCloser, publishing a Chunk event (Kind given by
// doneKind's companion chunk kind) for every chunk read and a Done event
// exactly once when the stream ends. Body is single-consumer: TakeReader
// succeeds once.
type Body struct {
	id         uint32
	chunkKind  events.Kind
	doneKind   events.Kind
	bus        Publisher
	underlying io.ReadCloser

	takeOnce sync.Once
	taken    bool

	finishOnce sync.Once
}

// NewRequestBody wraps r as the streaming body of request id.
func NewRequestBody(id uint32, r io.ReadCloser, bus Publisher) *Body {
	return &Body{id: id, chunkKind: events.RequestChunk, doneKind: events.RequestDone, bus: bus, underlying: r}
}

// NewResponseBody wraps r as the streaming body of response id.
func NewResponseBody(id uint32, r io.ReadCloser, bus Publisher) *Body {
	return &Body{id: id, chunkKind: events.ResponseChunk, doneKind: events.ResponseDone, bus: bus, underlying: r}
}

// TakeReader returns an io.ReadCloser that yields the (possibly edited)
// chunks of the body, each pulled chunk having already been published to
// the bus. It succeeds exactly once; subsequent calls return nil, false.
func (b *Body) TakeReader() (io.ReadCloser, bool) {
	var r io.ReadCloser
	ok := false
	b.takeOnce.Do(func() {
		b.taken = true
		r = &editingReader{body: b, r: bufio.NewReaderSize(b.underlying, ChunkSize)}
		ok = true
	})
	return r, ok
}

// Close ends the body, guaranteeing exactly one Done event regardless of
// whether the stream was read to completion. It is safe to call more
// than once and from a deferred cleanup path after a client disconnect.
func (b *Body) Close() error {
	b.finish()
	return b.underlying.Close()
}

func (b *Body) finish() {
	b.finishOnce.Do(func() {
		b.bus.Publish(events.Event{ID: b.id, Kind: b.doneKind})
	})
}

// editingReader is the io.ReadCloser returned by TakeReader. Each Read
// pulls one chunk from the underlying stream, publishes it as a Chunk
// event with a callback, and yields either the original bytes or an
// editor's same-kind replacement.
type editingReader struct {
	body *Body
	r    *bufio.Reader
	buf  []byte
}

func (er *editingReader) Read(p []byte) (int, error) {
	if len(er.buf) > 0 {
		n := copy(p, er.buf)
		er.buf = er.buf[n:]
		return n, nil
	}

	chunk := make([]byte, ChunkSize)
	n, err := er.r.Read(chunk)
	if n > 0 && err != nil && err != io.EOF {
		// A genuine read error: propagate verbatim without an event (the
		// chunk is incomplete and was never fully received downstream).
		return copy(p, chunk[:n]), err
	}
	if n > 0 {
		out := er.publishAndEdit(chunk[:n])
		// Deliver the (possibly edited) bytes now; swallow a same-call EOF
		// so it surfaces cleanly on the next Read once buf drains.
		copied := copy(p, out)
		if copied < len(out) {
			er.buf = out[copied:]
		}
		return copied, nil
	}

	if err == io.EOF {
		er.body.finish()
	}
	return 0, err
}

// publishAndEdit sends chunk as a Chunk event with a callback and returns
// either the original bytes or a same-kind edited replacement.
func (er *editingReader) publishAndEdit(chunk []byte) []byte {
	cb := make(events.Callback, 1)
	er.body.bus.Publish(events.Event{
		ID:       er.body.id,
		Kind:     er.body.chunkKind,
		Payload:  chunk,
		Callback: cb,
	})

	payload, ok := events.Resolve(cb)
	if !ok {
		return chunk
	}
	replacement, ok := payload.([]byte)
	if !ok {
		// Editor replied with a mismatched kind; this is treated as "no
		// edit". The mismatch is not logged: streambody has no logger, and
		// callers cannot tell a rejected edit from no edit.
		return chunk
	}
	return replacement
}

func (er *editingReader) Close() error {
	return er.body.Close()
}
