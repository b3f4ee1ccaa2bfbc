// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package waitpoint

import (
	"context"
	"testing"
	"time"
)

func TestAwaitResolvesAfterComplete(t *testing.T) {
	w := New()

	done := make(chan error, 1)
	go func() {
		done <- w.Await(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Await resolved before Complete was called")
	case <-time.After(20 * time.Millisecond):
	}

	w.Complete()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not resolve after Complete")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	w := New()
	w.Complete()
	w.Complete() // must not panic

	if !w.Done() {
		t.Fatal("expected Done() to report true")
	}

	if err := w.Await(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	w := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Await(ctx); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestAwaitBeforeCompleteDoesNotHang(t *testing.T) {
	w := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := w.Await(ctx); err == nil {
		t.Fatal("expected deadline exceeded, got nil")
	}
}
