package model

import "strings"

type ResourceKind string

const (
	KindNode    ResourceKind = "node"
	KindQemu    ResourceKind = "qemu"
	KindLXC     ResourceKind = "lxc"
	KindStorage ResourceKind = "storage"
)

// IsGuest reports whether the kind is a QEMU VM or an LXC container.
func (k ResourceKind) IsGuest() bool {
	return k == KindQemu || k == KindLXC
}

type ResourceStatus string

const (
	StatusRunning ResourceStatus = "running"
	StatusStopped ResourceStatus = "stopped"
	StatusOnline  ResourceStatus = "online"
	StatusOffline ResourceStatus = "offline"
	StatusUnknown ResourceStatus = "unknown"
)

// Up is the boolean view of a status used by status indicators.
func (s ResourceStatus) Up() bool {
	return s == StatusRunning || s == StatusOnline
}

// NodeStatus maps the status string reported by /nodes.
func NodeStatus(raw string) ResourceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online":
		return StatusOnline
	case "offline":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// GuestStatus maps the status string reported by the qemu and lxc listings.
func GuestStatus(raw string) ResourceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return StatusRunning
	case "stopped":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// ResourceRecord is the normalized shape of every inventory item.
type ResourceRecord struct {
	ID            string         `json:"id"`
	Kind          ResourceKind   `json:"kind"`
	Name          string         `json:"name"`
	ParentNode    string         `json:"parent_node,omitempty"`
	Status        ResourceStatus `json:"status"`
	CPUFraction   *float64       `json:"cpu_fraction,omitempty"`
	MemoryUsed    uint64         `json:"memory_used"`
	MemoryTotal   uint64         `json:"memory_total"`
	DiskUsed      uint64         `json:"disk_used"`
	DiskTotal     uint64         `json:"disk_total"`
	UptimeSeconds uint64         `json:"uptime_seconds"`
	IPAddresses   []string       `json:"ip_addresses"`
	RawFields     map[string]any `json:"raw_fields,omitempty"`
}

// Clone returns a deep copy so a published record can never be mutated through
// a slice or map shared with the fetcher.
func (r ResourceRecord) Clone() ResourceRecord {
	out := r
	if r.CPUFraction != nil {
		v := *r.CPUFraction
		out.CPUFraction = &v
	}
	out.IPAddresses = append([]string{}, r.IPAddresses...)
	if r.RawFields != nil {
		out.RawFields = make(map[string]any, len(r.RawFields))
		for k, v := range r.RawFields {
			out.RawFields[k] = v
		}
	}
	return out
}

// VMID returns the guest id, empty for nodes and storage.
func (r ResourceRecord) VMID() string {
	if !r.Kind.IsGuest() {
		return ""
	}
	return r.ID
}

// StorageID builds the record id for a storage volume. Shared storage is keyed
// by name alone so every node reporting it collapses into one record.
func StorageID(node, name string, shared bool) string {
	if shared {
		return "storage/" + name
	}
	return "storage/" + node + "/" + name
}
