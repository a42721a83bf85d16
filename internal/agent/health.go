package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	clusterReachable    atomic.Bool
	streamConnected     atomic.Bool
	phase               atomic.Int32
	lastPollAt          atomic.Int64
	lastSuccessAt       atomic.Int64
	consecutiveFailures atomic.Int64
	sequence            atomic.Uint64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.clusterReachable.Store(false)
	h.streamConnected.Store(false)
	return h
}

func (h *HealthStatus) SetClusterReachable(ok bool) {
	h.clusterReachable.Store(ok)
}

func (h *HealthStatus) SetStreamConnected(ok bool) {
	h.streamConnected.Store(ok)
}

func (h *HealthStatus) setPhase(p Phase) {
	h.phase.Store(int32(p))
}

func (h *HealthStatus) Phase() Phase {
	return Phase(h.phase.Load())
}

func (h *HealthStatus) markPollSuccess(ts time.Time, sequence uint64) {
	h.lastPollAt.Store(ts.UnixNano())
	h.lastSuccessAt.Store(ts.UnixNano())
	h.consecutiveFailures.Store(0)
	h.sequence.Store(sequence)
	h.clusterReachable.Store(true)
}

func (h *HealthStatus) markPollFailure(ts time.Time) int64 {
	h.lastPollAt.Store(ts.UnixNano())
	return h.consecutiveFailures.Add(1)
}

func (h *HealthStatus) ConsecutiveFailures() int64 {
	return h.consecutiveFailures.Load()
}

// Healthy reports whether the latest poll succeeded. Before the first poll
// completes the agent counts as healthy.
func (h *HealthStatus) Healthy() bool {
	return h.consecutiveFailures.Load() == 0
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"cluster_reachable":    h.clusterReachable.Load(),
		"stream_connected":     h.streamConnected.Load(),
		"phase":                h.Phase().String(),
		"consecutive_failures": h.consecutiveFailures.Load(),
		"sequence":             h.sequence.Load(),
	}
	if v := h.lastPollAt.Load(); v > 0 {
		out["last_poll_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastSuccessAt.Load(); v > 0 {
		out["last_success_at"] = time.Unix(0, v).UTC()
	}
	return out
}
