package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pve-agent/internal/model"
)

// Registry is the host platform's entity registry.
type Registry interface {
	Register(ctx context.Context, entities []Entity) error
	Unregister(ctx context.Context, uniqueIDs []string) error
}

type Invoker interface {
	Invoke(ctx context.Context, id string, action model.Action) (model.PendingCommand, error)
}

var ErrNotAButton = errors.New("entity is not a command trigger")

// Binder keeps the registry in step with published snapshots and serves
// entity state from the latest one.
type Binder struct {
	clusterID string
	registry  Registry
	invoker   Invoker
	snapshot  func() *model.Snapshot
	logger    *slog.Logger

	mu         sync.Mutex
	registered map[string][]string
}

func NewBinder(clusterID string, registry Registry, invoker Invoker, snapshot func() *model.Snapshot, logger *slog.Logger) *Binder {
	return &Binder{
		clusterID:  clusterID,
		registry:   registry,
		invoker:    invoker,
		snapshot:   snapshot,
		logger:     logger,
		registered: map[string][]string{},
	}
}

// Sync unregisters entities of resources that left snap, or changed kind, and
// registers entities for resources not yet known. Resources that are only
// updated need nothing: State reads the snapshot.
func (b *Binder) Sync(ctx context.Context, snap *model.Snapshot, diff model.Diff) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		dropIDs  []string
		dropped  []string
		toCreate []Entity
	)
	for _, id := range diff.Removed {
		if ids, ok := b.registered[id]; ok {
			dropIDs = append(dropIDs, ids...)
			dropped = append(dropped, id)
		}
	}
	for id, ids := range b.registered {
		if _, ok := snap.Get(id); !ok && !contains(dropped, id) {
			dropIDs = append(dropIDs, ids...)
			dropped = append(dropped, id)
		}
	}
	if len(dropIDs) > 0 {
		if err := b.registry.Unregister(ctx, dropIDs); err != nil {
			return fmt.Errorf("unregister %d entities: %w", len(dropIDs), err)
		}
		for _, id := range dropped {
			delete(b.registered, id)
		}
	}

	added := map[string][]string{}
	for _, rec := range snap.Sorted() {
		if _, ok := b.registered[rec.ID]; ok {
			continue
		}
		ents := Describe(b.clusterID, rec)
		toCreate = append(toCreate, ents...)
		ids := make([]string, 0, len(ents))
		for _, e := range ents {
			ids = append(ids, e.UniqueID)
		}
		added[rec.ID] = ids
	}
	if len(toCreate) > 0 {
		if err := b.registry.Register(ctx, toCreate); err != nil {
			return fmt.Errorf("register %d entities: %w", len(toCreate), err)
		}
		for id, ids := range added {
			b.registered[id] = ids
		}
	}

	if len(dropped) > 0 || len(added) > 0 {
		b.logger.Debug("entities synced", "sequence", snap.Sequence, "resources_added", len(added), "resources_removed", len(dropped))
	}
	return nil
}

// State reads e from the latest snapshot. A failing poll does not replace the
// snapshot, so values stay at their last known state.
func (b *Binder) State(e Entity) State {
	rec, ok := b.snapshot().Get(e.ResourceID)
	return StateOf(e, rec, ok)
}

// Press fires the command trigger e.
func (b *Binder) Press(ctx context.Context, e Entity) (model.PendingCommand, error) {
	if e.Platform != PlatformButton || e.Action == "" {
		return model.PendingCommand{}, fmt.Errorf("%w: %s", ErrNotAButton, e.UniqueID)
	}
	return b.invoker.Invoke(ctx, e.ResourceID, e.Action)
}

// Registered returns the resource ids that currently have entities.
func (b *Binder) Registered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.registered))
	for id := range b.registered {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
