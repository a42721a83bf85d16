package version

type GetVersionRequest struct {
	ClusterID string `json:"cluster_id"`
}

type GetVersionResponse struct {
	ClusterID       string `json:"cluster_id"`
	AgentVersion    string `json:"agent_version"`
	PVEVersion      string `json:"pve_version,omitempty"`
	AuthMode        string `json:"auth_mode"`
	StreamMode      string `json:"stream_mode"`
	ProbeListenAddr string `json:"probe_listen_addr"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}
