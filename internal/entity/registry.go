package entity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// LogRegistry is a Registry that only records and logs what it is given. It
// stands in for a host platform when the agent runs on its own.
type LogRegistry struct {
	logger *slog.Logger

	mu       sync.Mutex
	entities map[string]Entity
}

func NewLogRegistry(logger *slog.Logger) *LogRegistry {
	return &LogRegistry{logger: logger, entities: map[string]Entity{}}
}

func (r *LogRegistry) Register(_ context.Context, entities []Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		r.entities[e.UniqueID] = e
		r.logger.Debug("entity registered", "unique_id", e.UniqueID, "platform", e.Platform, "resource_id", e.ResourceID)
	}
	r.logger.Info("entities registered", "count", len(entities), "total", len(r.entities))
	return nil
}

func (r *LogRegistry) Unregister(_ context.Context, uniqueIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range uniqueIDs {
		delete(r.entities, id)
	}
	r.logger.Info("entities unregistered", "count", len(uniqueIDs), "total", len(r.entities))
	return nil
}

func (r *LogRegistry) Entities() []Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}
