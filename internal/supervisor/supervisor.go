// SPDX-License-Identifier: MIT

// Package supervisor wires the engine's periodic background workers (the
// daemon registers segment rotation, the background merger, and the
// duration tick) into a suture supervision tree, restarting any worker that exits with an
// error and shutting all of them down together when the session stops.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// Worker is anything the supervisor can run: a function that blocks
// until ctx is cancelled or it hits an unrecoverable error.
type Worker func(ctx context.Context) error

// suture requires a named Service; workerService adapts a bare Worker
// function to that interface.
type workerService struct {
	name string
	fn   Worker
}

func (w workerService) Serve(ctx context.Context) error { return w.fn(ctx) }
func (w workerService) String() string                  { return w.name }

// Tree supervises one session's background workers.
type Tree struct {
	sup    *suture.Supervisor
	logger *slog.Logger
}

// New creates a Tree. Workers added before Run starts with it; workers
// added after Run starts immediately.
func New(logger *slog.Logger) *Tree {
	t := &Tree{logger: logger}
	spec := suture.Spec{
		FailureThreshold: 5,
		FailureBackoff:   2 * time.Second,
	}
	if logger != nil {
		spec.EventHook = func(ev suture.Event) {
			logger.Warn("supervisor event", "event", ev.String())
		}
	}
	t.sup = suture.New("capture-engine", spec)
	return t
}

// Add registers a named worker with the tree.
func (t *Tree) Add(name string, fn Worker) {
	t.sup.Add(workerService{name: name, fn: fn})
}

// Run blocks serving every registered worker until ctx is cancelled.
// Suture restarts any worker whose fn returns a non-nil error (subject to
// FailureThreshold/FailureBackoff); a worker that returns nil is
// considered done and is not restarted.
func (t *Tree) Run(ctx context.Context) error {
	return t.sup.Serve(ctx)
}

// TickerWorker adapts a periodic tick function (e.g. the background
// merger's Tick, or the 1Hz duration callback) into a Worker that fires
// every interval until ctx is cancelled.
func TickerWorker(interval time.Duration, tick func() error) Worker {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := tick(); err != nil {
					return err
				}
			}
		}
	}
}
