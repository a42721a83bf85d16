// Package entity translates snapshot records into the host platform's
// sensor, binary sensor, device tracker and button entities.
package entity

import (
	"strings"

	"pve-agent/internal/model"
)

type Platform string

const (
	PlatformBinarySensor  Platform = "binary_sensor"
	PlatformSensor        Platform = "sensor"
	PlatformButton        Platform = "button"
	PlatformDeviceTracker Platform = "device_tracker" // connected while running
)

const (
	KeyStatus      = "status"
	KeyCPU         = "cpu"
	KeyMemoryUsed  = "memory_used"
	KeyMemoryTotal = "memory_total"
	KeyDiskUsed    = "disk_used"
	KeyDiskTotal   = "disk_total"
	KeyPresence    = "presence"

	AttrIPAddresses = "ip_addresses"
)

// Entity describes one registered platform entity. Buttons carry the action
// they trigger.
type Entity struct {
	UniqueID    string             `json:"unique_id"`
	ResourceID  string             `json:"resource_id"`
	Kind        model.ResourceKind `json:"kind"`
	Platform    Platform           `json:"platform"`
	Key         string             `json:"key"`
	Name        string             `json:"name"`
	Unit        string             `json:"unit,omitempty"`
	DeviceClass string             `json:"device_class,omitempty"`
	Action      model.Action       `json:"action,omitempty"`
}

// State is the value an entity shows. Unavailable entities belong to
// resources that left the inventory.
type State struct {
	Available  bool           `json:"available"`
	Value      any            `json:"value"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UniqueID is "<cluster>_<resource>_<key>" with separators that the host
// registry accepts.
func UniqueID(clusterID, resourceID, key string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return r.Replace(clusterID) + "_" + r.Replace(resourceID) + "_" + key
}

// Describe lists the entities exposed for rec. Storage has no cpu or memory
// and no buttons, and only guests get a presence tracker.
func Describe(clusterID string, rec model.ResourceRecord) []Entity {
	name := rec.Name
	if name == "" {
		name = rec.ID
	}
	mk := func(p Platform, key, label, unit, class string) Entity {
		return Entity{
			UniqueID:    UniqueID(clusterID, rec.ID, key),
			ResourceID:  rec.ID,
			Kind:        rec.Kind,
			Platform:    p,
			Key:         key,
			Name:        name + " " + label,
			Unit:        unit,
			DeviceClass: class,
		}
	}

	out := []Entity{mk(PlatformBinarySensor, KeyStatus, "status", "", "running")}
	if rec.Kind != model.KindStorage {
		out = append(out,
			mk(PlatformSensor, KeyCPU, "CPU", "%", ""),
			mk(PlatformSensor, KeyMemoryUsed, "memory used", "B", "data_size"),
			mk(PlatformSensor, KeyMemoryTotal, "memory total", "B", "data_size"),
		)
	}
	out = append(out,
		mk(PlatformSensor, KeyDiskUsed, "disk used", "B", "data_size"),
		mk(PlatformSensor, KeyDiskTotal, "disk total", "B", "data_size"),
	)
	if rec.Kind.IsGuest() {
		out = append(out, mk(PlatformDeviceTracker, KeyPresence, "presence", "", "router"))
	}
	for _, a := range model.SupportedActions(rec.Kind) {
		e := mk(PlatformButton, string(a), strings.ReplaceAll(string(a), "_", " "), "", "")
		e.Action = a
		out = append(out, e)
	}
	return out
}

// StateOf reads the value for e from rec. ok=false means the resource is gone.
func StateOf(e Entity, rec model.ResourceRecord, ok bool) State {
	if !ok {
		return State{Available: false}
	}
	switch e.Key {
	case KeyStatus:
		return State{
			Available: true,
			Value:     rec.Status.Up(),
			Attributes: map[string]any{
				"status":        string(rec.Status),
				AttrIPAddresses: append([]string{}, rec.IPAddresses...),
				"parent_node":   rec.ParentNode,
				"uptime":        rec.UptimeSeconds,
			},
		}
	case KeyCPU:
		if rec.CPUFraction == nil {
			return State{Available: true, Value: nil}
		}
		return State{Available: true, Value: *rec.CPUFraction * 100}
	case KeyMemoryUsed:
		return State{Available: true, Value: rec.MemoryUsed}
	case KeyMemoryTotal:
		return State{Available: true, Value: rec.MemoryTotal}
	case KeyDiskUsed:
		return State{Available: true, Value: rec.DiskUsed}
	case KeyDiskTotal:
		return State{Available: true, Value: rec.DiskTotal}
	case KeyPresence:
		st := State{
			Available: true,
			Value:     rec.Status == model.StatusRunning,
			Attributes: map[string]any{
				"vmid":        rec.VMID(),
				"parent_node": rec.ParentNode,
			},
		}
		if len(rec.IPAddresses) > 0 {
			st.Attributes["ip_address"] = rec.IPAddresses[0]
		}
		return st
	}
	// Buttons have no value of their own.
	return State{Available: true}
}
