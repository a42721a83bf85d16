package version

import (
	"time"

	"pve-agent/internal/config"
)

// Get describes this agent and, when pveVersion is known, the cluster it
// talks to.
func Get(cfg config.Config, pveVersion string, _ *GetVersionRequest) *GetVersionResponse {
	return &GetVersionResponse{
		ClusterID:       cfg.ClusterID,
		AgentVersion:    cfg.AgentVersion,
		PVEVersion:      pveVersion,
		AuthMode:        AuthMode(cfg),
		StreamMode:      string(cfg.StreamMode),
		ProbeListenAddr: cfg.ProbeListenAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}

func AuthMode(cfg config.Config) string {
	if cfg.Cluster.UsesToken() {
		return "token"
	}
	return "ticket"
}
