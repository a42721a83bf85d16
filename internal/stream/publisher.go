package stream

import (
	"context"
	"log/slog"
	"sync"

	"pve-agent/internal/model"
)

// Publisher turns published snapshots into frames. The first frame, and the
// first one after a failed send, is a full sync; the rest are deltas.
type Publisher struct {
	sink    Sink
	cluster string
	logger  *slog.Logger

	mu       sync.Mutex
	needFull bool
	onResult func(error)
}

func NewPublisher(sink Sink, cluster string, logger *slog.Logger) *Publisher {
	return &Publisher{sink: sink, cluster: cluster, logger: logger, needFull: true}
}

// OnResult registers a callback told about every send outcome, used to track
// backend connectivity.
func (p *Publisher) OnResult(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

func (p *Publisher) Publish(ctx context.Context, snap *model.Snapshot, diff model.Diff) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	full := p.needFull
	if !full && diff.Empty() {
		return nil
	}
	frame := NewSnapshotFrame(p.cluster, snap, diff, full)
	err := p.sink.SendSnapshot(ctx, frame)
	p.report(err)
	if err != nil {
		p.needFull = true
		p.logger.Warn("snapshot publish failed, next frame is a full sync", "sequence", snap.Sequence, "error", err)
		return err
	}
	p.needFull = false
	p.logger.Debug("snapshot published", "sequence", snap.Sequence, "sync_mode", frame.SyncMode, "upserts", len(frame.Upserts), "removed", len(frame.RemovedIDs))
	return nil
}

func (p *Publisher) PublishCommand(ctx context.Context, cmd model.PendingCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.sink.SendCommandResult(ctx, NewCommandFrame(p.cluster, cmd))
	p.report(err)
	if err != nil {
		p.logger.Warn("command result publish failed", "resource_id", cmd.ResourceID, "error", err)
	}
	return err
}

func (p *Publisher) Close(ctx context.Context) error {
	return p.sink.Close(ctx)
}

func (p *Publisher) report(err error) {
	if p.onResult != nil {
		p.onResult(err)
	}
}
