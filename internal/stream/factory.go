package stream

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"pve-agent/internal/config"
)

func NewSinkFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) (Sink, error) {
	switch cfg.StreamMode {
	case config.StreamModeNone, "":
		return NopSink{}, nil
	case config.StreamModeGRPC:
		return NewGRPCClient(
			cfg.BackendGRPCAddr,
			tlsCfg,
			cfg.BackendToken,
			cfg.GRPCSnapshotMethod,
			cfg.GRPCCommandMethod,
			logger,
		), nil
	case config.StreamModeWebSocket:
		return NewWebSocketClient(
			cfg.BackendWSURL,
			cfg.BackendToken,
			tlsCfg,
			cfg.WebSocketWriteTimeout,
			cfg.WebSocketPingInterval,
			logger,
		), nil
	}
	return nil, fmt.Errorf("unsupported stream mode %q", cfg.StreamMode)
}
