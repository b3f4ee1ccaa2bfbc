// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TiltMeSenpai/proxy-project/pkg/events"
)

func TestLateSubscriberOnlySeesFutureEvents(t *testing.T) {
	bus := New(4, zerolog.Nop())

	bus.Publish(events.Event{ID: 1, Kind: events.RequestDone})

	_, ch := bus.Subscribe()
	bus.Publish(events.Event{ID: 2, Kind: events.RequestDone})

	select {
	case evt := <-ch:
		if evt.ID != 2 {
			t.Fatalf("expected id 2, got %d", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive expected event")
	}
}

func TestObserverNeverReceivesCallback(t *testing.T) {
	bus := New(4, zerolog.Nop())
	_, ch := bus.Subscribe()

	cb := make(events.Callback, 1)
	bus.Publish(events.Event{ID: 1, Kind: events.RequestHead, Callback: cb})

	evt := <-ch
	if evt.Callback != nil {
		t.Fatal("observer subscriber must never see a callback")
	}
}

func TestEditorReceivesCallback(t *testing.T) {
	bus := New(4, zerolog.Nop())
	_, ch := bus.SubscribeEditor()

	cb := make(events.Callback, 1)
	bus.Publish(events.Event{ID: 1, Kind: events.RequestHead, Callback: cb})

	evt := <-ch
	if evt.Callback == nil {
		t.Fatal("editor subscriber expected a callback")
	}
}

func TestCallbackIsClosedWithNoEditorSubscribed(t *testing.T) {
	bus := New(4, zerolog.Nop())
	_, ch := bus.Subscribe()

	cb := make(events.Callback, 1)
	bus.Publish(events.Event{ID: 1, Kind: events.RequestHead, Callback: cb})

	<-ch // drain the observer copy, which never carries the callback

	select {
	case _, ok := <-cb:
		if ok {
			t.Fatal("expected callback to be closed, not sent to")
		}
	case <-time.After(time.Second):
		t.Fatal("callback was never closed; events.Resolve would hang forever")
	}
}

func TestCallbackSurvivesWhenAnEditorIsSubscribed(t *testing.T) {
	bus := New(4, zerolog.Nop())
	_, editorCh := bus.SubscribeEditor()

	cb := make(events.Callback, 1)
	bus.Publish(events.Event{ID: 1, Kind: events.RequestHead, Callback: cb})

	evt := <-editorCh
	evt.Reply("edited")

	payload, ok := events.Resolve(cb)
	if !ok {
		t.Fatal("expected the editor's reply to resolve the callback")
	}
	if payload != "edited" {
		t.Fatalf("unexpected resolved payload: %v", payload)
	}
}

func TestSlowSubscriberLagsWithoutBlockingPublish(t *testing.T) {
	bus := New(2, zerolog.Nop())
	id, _ := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(events.Event{ID: uint32(i + 1), Kind: events.RequestDone})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if bus.Lag(id) == 0 {
		t.Fatal("expected at least one dropped event to be recorded")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4, zerolog.Nop())
	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestShutdownEmitsShutdownThenCloses(t *testing.T) {
	bus := New(4, zerolog.Nop())
	_, ch := bus.Subscribe()

	bus.Shutdown()

	evt, ok := <-ch
	if !ok {
		t.Fatal("expected Shutdown event before channel close")
	}
	if evt.Kind != events.Shutdown || evt.ID != 0 {
		t.Fatalf("expected Shutdown event with id 0, got %+v", evt)
	}

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Shutdown event")
	}
}
