// Package dispatch validates and executes lifecycle commands, allowing at most
// one in-flight command per resource.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pve-agent/internal/model"
)

const DefaultRetention = 5 * time.Minute

var (
	ErrNotFound          = errors.New("resource not found")
	ErrConflict          = errors.New("command already in flight")
	ErrUnsupportedAction = errors.New("action not supported for resource")
	ErrClosed            = errors.New("dispatcher closed")
)

// Executor issues the API call(s) implementing an action.
type Executor interface {
	Execute(ctx context.Context, rec model.ResourceRecord, action model.Action) (string, error)
}

// SnapshotFunc returns the latest published snapshot, nil before the first.
type SnapshotFunc func() *model.Snapshot

// Observer is told about every terminal command. It must not block.
type Observer func(cmd model.PendingCommand, took time.Duration)

type Dispatcher struct {
	exec      Executor
	snapshot  SnapshotFunc
	logger    *slog.Logger
	retention time.Duration
	observer  Observer
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]model.PendingCommand
	closed  bool
}

type Option func(*Dispatcher)

// WithRetention sets how long terminal entries stay visible through Get and
// List before Prune discards them.
func WithRetention(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.retention = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(x *Dispatcher) {
		x.observer = o
	}
}

func New(exec Executor, snapshot SnapshotFunc, logger *slog.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		exec:      exec,
		snapshot:  snapshot,
		logger:    logger,
		retention: DefaultRetention,
		now:       time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		pending:   map[string]model.PendingCommand{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke runs action against the resource and blocks until the call
// completes. The returned command is terminal unless validation failed. A
// failed call is returned as is and never retried.
func (d *Dispatcher) Invoke(ctx context.Context, id string, action model.Action) (model.PendingCommand, error) {
	rec, ok := d.snapshot().Get(id)
	if !ok {
		return model.PendingCommand{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !model.Supports(rec.Kind, action) {
		return model.PendingCommand{}, fmt.Errorf("%w: %s on %s %s", ErrUnsupportedAction, action, rec.Kind, id)
	}

	cmd, err := d.accept(id, action)
	if err != nil {
		return model.PendingCommand{}, err
	}
	d.logger.Info("command accepted", "resource_id", id, "kind", rec.Kind, "action", action)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.baseCtx, cancel)
	defer stop()

	upid, callErr := d.exec.Execute(callCtx, rec, action)
	cmd = d.complete(cmd, upid, callErr)
	if callErr != nil {
		d.logger.Warn("command failed", "resource_id", id, "action", action, "error", callErr)
		return cmd, callErr
	}
	d.logger.Info("command succeeded", "resource_id", id, "action", action, "task_id", upid)
	return cmd, nil
}

func (d *Dispatcher) accept(id string, action model.Action) (model.PendingCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return model.PendingCommand{}, ErrClosed
	}
	if cur, ok := d.pending[id]; ok && !cur.Terminal() {
		return model.PendingCommand{}, fmt.Errorf("%w: %s %s issued at %s", ErrConflict, id, cur.Action, cur.IssuedAt.Format(time.RFC3339))
	}
	cmd := model.PendingCommand{
		ResourceID: id,
		Action:     action,
		IssuedAt:   d.now().UTC(),
		State:      model.CommandInFlight,
	}
	d.pending[id] = cmd
	return cmd, nil
}

func (d *Dispatcher) complete(cmd model.PendingCommand, upid string, err error) model.PendingCommand {
	cmd.CompletedAt = d.now().UTC()
	cmd.TaskID = upid
	cmd.State = model.CommandSucceeded
	if err != nil {
		cmd.State = model.CommandFailed
		cmd.Reason = err.Error()
	}

	d.mu.Lock()
	d.pending[cmd.ResourceID] = cmd
	d.mu.Unlock()

	if d.observer != nil {
		d.observer(cmd, cmd.CompletedAt.Sub(cmd.IssuedAt))
	}
	return cmd
}

// Get returns the tracked command for id, in flight or recently finished.
func (d *Dispatcher) Get(id string) (model.PendingCommand, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.pending[id]
	return cmd, ok
}

// List returns every tracked command, oldest first.
func (d *Dispatcher) List() []model.PendingCommand {
	d.mu.Lock()
	out := make([]model.PendingCommand, 0, len(d.pending))
	for _, cmd := range d.pending {
		out = append(out, cmd)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Prune drops terminal entries older than the retention window and reports
// how many were removed.
func (d *Dispatcher) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, cmd := range d.pending {
		if cmd.Terminal() && !now.Before(cmd.CompletedAt.Add(d.retention)) {
			delete(d.pending, id)
			n++
		}
	}
	return n
}

// Close rejects new commands and cancels the ones in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}
