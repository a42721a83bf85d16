package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pve-agent/internal/model"
	"pve-agent/internal/proxmox"
	"pve-agent/internal/proxmox/proxmoxtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI answers GET paths from canned payloads, round-tripping through JSON
// the way the real transport does.
type fakeAPI struct {
	mu        sync.Mutex
	responses map[string]any
	failures  map[string]error
	calls     map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{responses: map[string]any{}, failures: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeAPI) Call(_ context.Context, method, path string, _ url.Values, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[path]++
	if method != http.MethodGet {
		return fmt.Errorf("unexpected %s %s", method, path)
	}
	if err, ok := f.failures[path]; ok {
		return err
	}
	data, ok := f.responses[path]
	if !ok {
		return &proxmox.TransportError{Op: "GET " + path, StatusCode: http.StatusNotImplemented}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func singleNodeAPI() *fakeAPI {
	api := newFakeAPI()
	api.responses["/nodes"] = []map[string]any{
		{"node": "pve1", "status": "online", "cpu": 0.05, "mem": 4 << 30, "maxmem": 16 << 30, "disk": 10 << 30, "maxdisk": 100 << 30, "uptime": 3600, "type": "node", "level": ""},
	}
	api.responses["/nodes/pve1/qemu"] = []map[string]any{
		{"vmid": 100, "name": "web", "status": "running", "cpu": 0.12, "mem": 512 << 20, "maxmem": 2048 << 20, "maxdisk": 32 << 30, "uptime": 120, "pid": 4242},
	}
	api.responses["/nodes/pve1/lxc"] = []map[string]any{}
	api.responses["/nodes/pve1/storage"] = []map[string]any{}
	api.responses["/nodes/pve1/qemu/100/agent/network-get-interfaces"] = map[string]any{
		"result": []map[string]any{
			{"name": "lo", "ip-addresses": []map[string]any{{"ip-address": "127.0.0.1", "ip-address-type": "ipv4"}}},
			{"name": "eth0", "ip-addresses": []map[string]any{
				{"ip-address": "192.168.1.20", "ip-address-type": "ipv4"},
				{"ip-address": "fe80::1", "ip-address-type": "ipv6"},
				{"ip-address": "2001:db8::20", "ip-address-type": "ipv6"},
			}},
		},
	}
	return api
}

func TestFetch_NodeAndVM(t *testing.T) {
	api := singleNodeAPI()
	records, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	node := records[0]
	assert.Equal(t, "pve1", node.ID)
	assert.Equal(t, model.KindNode, node.Kind)
	assert.Equal(t, model.StatusOnline, node.Status)
	assert.Empty(t, node.ParentNode)
	assert.Equal(t, uint64(16<<30), node.MemoryTotal)
	assert.Equal(t, uint64(3600), node.UptimeSeconds)
	assert.Equal(t, "node", node.RawFields["type"])
	assert.NotContains(t, node.RawFields, "mem")

	vm := records[1]
	assert.Equal(t, "100", vm.ID)
	assert.Equal(t, model.KindQemu, vm.Kind)
	assert.Equal(t, "web", vm.Name)
	assert.Equal(t, "pve1", vm.ParentNode)
	assert.Equal(t, model.StatusRunning, vm.Status)
	require.NotNil(t, vm.CPUFraction)
	assert.InDelta(t, 0.12, *vm.CPUFraction, 1e-9)
	assert.Equal(t, uint64(512<<20), vm.MemoryUsed)
	assert.Equal(t, uint64(2048<<20), vm.MemoryTotal)
	assert.Equal(t, []string{"192.168.1.20", "2001:db8::20"}, vm.IPAddresses)
	assert.EqualValues(t, 4242, vm.RawFields["pid"])
}

func TestFetch_OrderAndKinds(t *testing.T) {
	api := newFakeAPI()
	api.responses["/nodes"] = []map[string]any{{"node": "b", "status": "online"}, {"node": "a", "status": "online"}}
	api.responses["/nodes/b/qemu"] = []map[string]any{{"vmid": 110, "status": "stopped"}, {"vmid": 9, "status": "stopped"}}
	api.responses["/nodes/b/lxc"] = []map[string]any{{"vmid": 50, "status": "stopped"}}
	api.responses["/nodes/b/storage"] = []map[string]any{{"storage": "zfs", "active": 1}, {"storage": "local", "active": 1}}
	api.responses["/nodes/b/lxc/50/config"] = map[string]any{}
	api.responses["/nodes/a/qemu"] = []map[string]any{}
	api.responses["/nodes/a/lxc"] = []map[string]any{}
	api.responses["/nodes/a/storage"] = []map[string]any{{"storage": "local", "active": 0}}

	records, err := NewFetcher(api, testLogger(), 4).Fetch(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "9", "50", "110", "storage/b/local", "storage/b/zfs", "a", "storage/a/local"}, ids)
	assert.Equal(t, model.KindLXC, records[2].Kind)
	assert.Equal(t, model.StatusOffline, records[7].Status)
	assert.Zero(t, api.count("/nodes/b/qemu/9/agent/network-get-interfaces"), "stopped VMs have no agent")
}

func TestFetch_SharedStorageFirstNodeWins(t *testing.T) {
	api := newFakeAPI()
	api.responses["/nodes"] = []map[string]any{{"node": "pve1", "status": "online"}, {"node": "pve2", "status": "online"}}
	for _, n := range []string{"pve1", "pve2"} {
		api.responses["/nodes/"+n+"/qemu"] = []map[string]any{}
		api.responses["/nodes/"+n+"/lxc"] = []map[string]any{}
	}
	api.responses["/nodes/pve1/storage"] = []map[string]any{{"storage": "ceph", "shared": 1, "active": 1, "used": 100, "total": 1000}}
	api.responses["/nodes/pve2/storage"] = []map[string]any{{"storage": "ceph", "shared": 1, "active": 1, "used": 200, "total": 1000}}

	records, err := NewFetcher(api, testLogger(), 4).Fetch(context.Background())
	require.NoError(t, err)

	var shared []model.ResourceRecord
	for _, r := range records {
		if r.Kind == model.KindStorage {
			shared = append(shared, r)
		}
	}
	require.Len(t, shared, 1)
	assert.Equal(t, "storage/ceph", shared[0].ID)
	assert.Equal(t, "pve1", shared[0].ParentNode)
	assert.Equal(t, uint64(100), shared[0].DiskUsed)
}

func TestFetch_PartialNodeFailureKeepsNodeRecord(t *testing.T) {
	api := singleNodeAPI()
	api.responses["/nodes"] = []map[string]any{{"node": "pve1", "status": "online"}, {"node": "pve2", "status": "online"}}
	api.failures["/nodes/pve2/qemu"] = &proxmox.TransportError{Op: "GET /nodes/pve2/qemu", StatusCode: 595, Retryable: true}

	records, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"pve1", "100", "pve2"}, ids)
}

func TestFetch_OfflineNodeHasNoDependents(t *testing.T) {
	api := newFakeAPI()
	api.responses["/nodes"] = []map[string]any{{"node": "pve3", "status": "offline"}}

	records, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusOffline, records[0].Status)
	assert.Zero(t, api.count("/nodes/pve3/qemu"))
}

func TestFetch_NodeListFailureFails(t *testing.T) {
	api := newFakeAPI()
	api.failures["/nodes"] = &proxmox.TransportError{Op: "GET /nodes", Retryable: true, Err: errors.New("connection refused")}

	_, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, proxmox.IsRetryable(err))
}

func TestFetch_AuthErrorAborts(t *testing.T) {
	api := singleNodeAPI()
	api.failures["/nodes/pve1/storage"] = &proxmox.AuthError{User: "root@pam", StatusCode: http.StatusUnauthorized}

	_, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, proxmox.IsAuthError(err))
}

func TestFetch_MissingGuestAgentLeavesAddressesEmpty(t *testing.T) {
	api := singleNodeAPI()
	api.failures["/nodes/pve1/qemu/100/agent/network-get-interfaces"] = &proxmox.TransportError{
		Op: "GET agent", StatusCode: http.StatusInternalServerError, Message: "QEMU guest agent is not running",
	}

	records, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NotNil(t, records[1].IPAddresses)
	assert.Empty(t, records[1].IPAddresses)
}

func TestFetch_ContainerAddressesFromConfig(t *testing.T) {
	api := newFakeAPI()
	api.responses["/nodes"] = []map[string]any{{"node": "pve1", "status": "online"}}
	api.responses["/nodes/pve1/qemu"] = []map[string]any{}
	api.responses["/nodes/pve1/lxc"] = []map[string]any{{"vmid": "200", "name": "dns", "status": "running", "cpu": "1.7"}}
	api.responses["/nodes/pve1/storage"] = []map[string]any{}
	api.responses["/nodes/pve1/lxc/200/config"] = map[string]any{
		"hostname": "dns",
		"net1":     "name=eth1,bridge=vmbr1,ip=dhcp",
		"net0":     "name=eth0,bridge=vmbr0,hwaddr=BC:24:11:00:00:01,ip=10.0.0.53/24,gw=10.0.0.1,ip6=fd00::53/64",
	}

	records, err := NewFetcher(api, testLogger(), 2).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	ct := records[1]
	assert.Equal(t, model.KindLXC, ct.Kind)
	assert.Equal(t, []string{"10.0.0.53", "fd00::53"}, ct.IPAddresses)
	require.NotNil(t, ct.CPUFraction)
	assert.Equal(t, 1.0, *ct.CPUFraction, "cpu fraction is clamped")
}

func TestFetch_AgainstTransport(t *testing.T) {
	fake := proxmoxtest.New(t)
	fake.JSON("GET /nodes", []map[string]any{{"node": "pve1", "status": "online", "maxmem": "17179869184"}})
	fake.JSON("GET /nodes/{node}/qemu", []map[string]any{{"vmid": 100, "status": "running"}})
	fake.JSON("GET /nodes/{node}/lxc", []any{})
	fake.JSON("GET /nodes/{node}/storage", []map[string]any{{"storage": "local", "active": 1, "used": 1, "total": 2}})
	fake.Fail("GET /nodes/{node}/qemu/{vmid}/agent/network-get-interfaces", http.StatusInternalServerError)

	client := proxmox.NewClient(fake.Config(), testLogger())
	records, err := NewFetcher(client, testLogger(), 2).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(17179869184), records[0].MemoryTotal)
	assert.Equal(t, "storage/pve1/local", records[2].ID)
	assert.Equal(t, 1, fake.Logins())
}
