package collector

import (
	"encoding/json"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"pve-agent/internal/model"
)

// Fields mapped onto ResourceRecord columns; everything else lands in
// raw_fields.
var (
	nodeFields    = fieldSet("node", "status", "cpu", "mem", "maxmem", "disk", "maxdisk", "uptime")
	guestFields   = fieldSet("vmid", "name", "status", "cpu", "mem", "maxmem", "disk", "maxdisk", "uptime")
	storageFields = fieldSet("storage", "active", "used", "total")
)

func fieldSet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func nodeRecord(raw map[string]any) model.ResourceRecord {
	name := asString(raw["node"])
	return model.ResourceRecord{
		ID:            name,
		Kind:          model.KindNode,
		Name:          name,
		Status:        model.NodeStatus(asString(raw["status"])),
		CPUFraction:   cpuFraction(raw["cpu"]),
		MemoryUsed:    asUint(raw["mem"]),
		MemoryTotal:   asUint(raw["maxmem"]),
		DiskUsed:      asUint(raw["disk"]),
		DiskTotal:     asUint(raw["maxdisk"]),
		UptimeSeconds: asUint(raw["uptime"]),
		IPAddresses:   []string{},
		RawFields:     extraFields(raw, nodeFields),
	}
}

func guestRecord(kind model.ResourceKind, node string, raw map[string]any) model.ResourceRecord {
	id := asString(raw["vmid"])
	name := asString(raw["name"])
	if name == "" {
		name = string(kind) + " " + id
	}
	return model.ResourceRecord{
		ID:            id,
		Kind:          kind,
		Name:          name,
		ParentNode:    node,
		Status:        model.GuestStatus(asString(raw["status"])),
		CPUFraction:   cpuFraction(raw["cpu"]),
		MemoryUsed:    asUint(raw["mem"]),
		MemoryTotal:   asUint(raw["maxmem"]),
		DiskUsed:      asUint(raw["disk"]),
		DiskTotal:     asUint(raw["maxdisk"]),
		UptimeSeconds: asUint(raw["uptime"]),
		IPAddresses:   []string{},
		RawFields:     extraFields(raw, guestFields),
	}
}

func storageRecord(node string, raw map[string]any) model.ResourceRecord {
	name := asString(raw["storage"])
	status := model.StatusOffline
	if asBool(raw["active"]) {
		status = model.StatusOnline
	}
	return model.ResourceRecord{
		ID:          model.StorageID(node, name, asBool(raw["shared"])),
		Kind:        model.KindStorage,
		Name:        name,
		ParentNode:  node,
		Status:      status,
		DiskUsed:    asUint(raw["used"]),
		DiskTotal:   asUint(raw["total"]),
		IPAddresses: []string{},
		RawFields:   extraFields(raw, storageFields),
	}
}

func extraFields(raw map[string]any, known map[string]struct{}) map[string]any {
	var out map[string]any
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(raw))
		}
		out[k] = v
	}
	return out
}

func cpuFraction(v any) *float64 {
	f, ok := asFloat(v)
	if !ok || math.IsNaN(f) {
		return nil
	}
	f = math.Max(0, math.Min(1, f))
	return &f
}

// asFloat accepts JSON numbers and numeric strings; the API is not consistent
// about which one it returns.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func asUint(v any) uint64 {
	f, ok := asFloat(v)
	if !ok || f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(f)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	}
	return ""
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	}
	return false
}

// agentInterfaces is the qemu guest agent network-get-interfaces payload.
type agentInterfaces struct {
	Result []struct {
		Name        string `json:"name"`
		IPAddresses []struct {
			Address string `json:"ip-address"`
			Type    string `json:"ip-address-type"`
		} `json:"ip-addresses"`
	} `json:"result"`
}

func (a agentInterfaces) addresses() []string {
	var raw []string
	for _, iface := range a.Result {
		for _, ip := range iface.IPAddresses {
			raw = append(raw, ip.Address)
		}
	}
	return usableIPs(raw)
}

// containerIPs reads static addresses from the netN entries of an LXC config,
// e.g. "name=eth0,bridge=vmbr0,ip=192.168.1.50/24,ip6=fd00::50/64".
func containerIPs(cfg map[string]any) []string {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		if strings.HasPrefix(k, "net") {
			if _, err := strconv.Atoi(strings.TrimPrefix(k, "net")); err == nil {
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(keys[i], "net"))
		b, _ := strconv.Atoi(strings.TrimPrefix(keys[j], "net"))
		return a < b
	})

	var raw []string
	for _, k := range keys {
		value := asString(cfg[k])
		for _, part := range strings.Split(value, ",") {
			key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || (key != "ip" && key != "ip6") {
				continue
			}
			addr, _, _ := strings.Cut(val, "/")
			raw = append(raw, addr)
		}
	}
	return usableIPs(raw)
}

// usableIPs drops unparsable, loopback, link-local and duplicate addresses
// while keeping the reported order. "dhcp" and "manual" fall out as
// unparsable.
func usableIPs(raw []string) []string {
	out := []string{}
	seen := map[netip.Addr]struct{}{}
	for _, s := range raw {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr.String())
	}
	return out
}
