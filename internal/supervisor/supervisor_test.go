// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTreeRunsWorkerUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	tree := New(nil)
	tree.Add("counter", TickerWorker(5*time.Millisecond, func() error {
		calls.Add(1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := tree.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected the ticker worker to fire multiple times, got %d", calls.Load())
	}
}

func TestTreeRunsMultipleWorkersConcurrently(t *testing.T) {
	var a, b atomic.Int32
	tree := New(nil)
	tree.Add("a", TickerWorker(5*time.Millisecond, func() error { a.Add(1); return nil }))
	tree.Add("b", TickerWorker(5*time.Millisecond, func() error { b.Add(1); return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := tree.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Load() == 0 || b.Load() == 0 {
		t.Fatalf("expected both workers to run, got a=%d b=%d", a.Load(), b.Load())
	}
}

func TestTickerWorkerStopsOnContextCancel(t *testing.T) {
	var calls atomic.Int32
	worker := TickerWorker(5*time.Millisecond, func() error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
	if calls.Load() == 0 {
		t.Fatal("expected at least one tick before cancellation")
	}
}
