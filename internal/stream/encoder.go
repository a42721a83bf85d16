package stream

import (
	"context"
	"encoding/json"
	"time"

	"pve-agent/internal/model"
)

// Sink publishes inventory frames to an external backend.
type Sink interface {
	SendSnapshot(ctx context.Context, frame SnapshotFrame) error
	SendCommandResult(ctx context.Context, frame CommandFrame) error
	Close(ctx context.Context) error
}

// SnapshotFrame carries either the whole inventory (full) or the records that
// changed since the previous frame (delta).
type SnapshotFrame struct {
	Cluster       string                 `json:"cluster"`
	Sequence      uint64                 `json:"sequence"`
	TimestampUnix int64                  `json:"timestamp_unix"`
	SyncMode      string                 `json:"sync_mode"`
	Upserts       []model.ResourceRecord `json:"upserts"`
	RemovedIDs    []string               `json:"removed_ids"`
}

type CommandFrame struct {
	Cluster       string               `json:"cluster"`
	TimestampUnix int64                `json:"timestamp_unix"`
	Command       model.PendingCommand `json:"command"`
}

func EncodeEnvelope(e model.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func NewSnapshotFrame(cluster string, snap *model.Snapshot, diff model.Diff, full bool) SnapshotFrame {
	f := SnapshotFrame{
		Cluster:       cluster,
		Sequence:      snap.Sequence,
		TimestampUnix: snap.TakenAt.Unix(),
		SyncMode:      model.SyncModeDelta,
		RemovedIDs:    append([]string{}, diff.Removed...),
	}
	if full {
		f.SyncMode = model.SyncModeFull
		f.Upserts = snap.Sorted()
		return f
	}

	ids := make([]string, 0, len(diff.Added)+len(diff.Updated))
	ids = append(ids, diff.Added...)
	ids = append(ids, diff.Updated...)
	f.Upserts = make([]model.ResourceRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := snap.Get(id); ok {
			f.Upserts = append(f.Upserts, rec)
		}
	}
	return f
}

func NewCommandFrame(cluster string, cmd model.PendingCommand) CommandFrame {
	at := cmd.CompletedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return CommandFrame{Cluster: cluster, TimestampUnix: at.Unix(), Command: cmd}
}

// NopSink drops every frame. It is used when no backend is configured.
type NopSink struct{}

func (NopSink) SendSnapshot(context.Context, SnapshotFrame) error     { return nil }
func (NopSink) SendCommandResult(context.Context, CommandFrame) error { return nil }
func (NopSink) Close(context.Context) error                           { return nil }
