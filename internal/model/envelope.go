package model

type FrameType string

const (
	FrameTypeSnapshot FrameType = "snapshot_sync"
	FrameTypeCommand  FrameType = "command_result"
)

const (
	SyncModeFull  = "full"
	SyncModeDelta = "delta"
)

// Envelope is transport-agnostic framing for stream payloads.
type Envelope struct {
	Type          FrameType `json:"type"`
	Cluster       string    `json:"cluster"`
	TimestampUnix int64     `json:"timestamp_unix"`
	Payload       any       `json:"payload"`
}
