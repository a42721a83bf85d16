package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"pve-agent/internal/model"
	"pve-agent/internal/proxmox"
)

const defaultFetchConcurrency = 4

// API is the slice of the Proxmox transport the fetcher needs.
type API interface {
	Call(ctx context.Context, method, path string, form url.Values, out any) error
}

// Fetcher enumerates nodes, guests and storage and flattens them into
// ResourceRecords.
type Fetcher struct {
	api         API
	logger      *slog.Logger
	concurrency int
}

func NewFetcher(api API, logger *slog.Logger, concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	return &Fetcher{api: api, logger: logger, concurrency: concurrency}
}

// Fetch returns the inventory ordered node by node: the node record, its
// guests by VMID, then its storage by name. Failing to list nodes fails the
// fetch; failing to list one node's guests or storage drops only that node's
// dependent records. An AuthError always aborts.
func (f *Fetcher) Fetch(ctx context.Context) ([]model.ResourceRecord, error) {
	var nodes []map[string]any
	if err := f.api.Call(ctx, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	groups := make([][]model.ResourceRecord, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, raw := range nodes {
		node := nodeRecord(raw)
		if node.ID == "" {
			f.logger.Warn("node entry without name skipped", "fields", raw)
			continue
		}
		groups[i] = []model.ResourceRecord{node}
		if node.Status == model.StatusOffline {
			continue
		}
		g.Go(func() error {
			deps, err := f.fetchNode(gctx, node.ID)
			if err != nil {
				if proxmox.IsAuthError(err) || errors.Is(err, context.Canceled) {
					return err
				}
				f.logger.Warn("node inventory incomplete, dependent resources omitted", "node", node.ID, "error", err)
				return nil
			}
			groups[i] = append(groups[i], deps...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.ResourceRecord, 0, len(nodes)*8)
	seen := map[string]struct{}{}
	for _, group := range groups {
		for _, rec := range group {
			// Shared storage shows up once per node; the first one wins.
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *Fetcher) fetchNode(ctx context.Context, node string) ([]model.ResourceRecord, error) {
	base := "/nodes/" + url.PathEscape(node)

	var qemu, lxc, storage []map[string]any
	if err := f.api.Call(ctx, http.MethodGet, base+"/qemu", nil, &qemu); err != nil {
		return nil, fmt.Errorf("list qemu: %w", err)
	}
	if err := f.api.Call(ctx, http.MethodGet, base+"/lxc", nil, &lxc); err != nil {
		return nil, fmt.Errorf("list lxc: %w", err)
	}
	if err := f.api.Call(ctx, http.MethodGet, base+"/storage", nil, &storage); err != nil {
		return nil, fmt.Errorf("list storage: %w", err)
	}

	guests := make([]model.ResourceRecord, 0, len(qemu)+len(lxc))
	for _, raw := range qemu {
		if rec := guestRecord(model.KindQemu, node, raw); rec.ID != "" {
			guests = append(guests, rec)
		}
	}
	for _, raw := range lxc {
		if rec := guestRecord(model.KindLXC, node, raw); rec.ID != "" {
			guests = append(guests, rec)
		}
	}
	sort.SliceStable(guests, func(i, j int) bool { return vmidLess(guests[i].ID, guests[j].ID) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := range guests {
		g.Go(func() error {
			ips, err := f.guestIPs(gctx, guests[i])
			if err != nil {
				return err
			}
			guests[i].IPAddresses = ips
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stores := make([]model.ResourceRecord, 0, len(storage))
	for _, raw := range storage {
		if rec := storageRecord(node, raw); rec.Name != "" {
			stores = append(stores, rec)
		}
	}
	sort.SliceStable(stores, func(i, j int) bool { return stores[i].Name < stores[j].Name })

	return append(guests, stores...), nil
}

// guestIPs never fails the fetch for a missing agent or config; only an
// authentication failure or cancellation propagates.
func (f *Fetcher) guestIPs(ctx context.Context, rec model.ResourceRecord) ([]string, error) {
	path := fmt.Sprintf("/nodes/%s/%s/%s", url.PathEscape(rec.ParentNode), rec.Kind, url.PathEscape(rec.VMID()))

	var (
		ips []string
		err error
	)
	switch rec.Kind {
	case model.KindQemu:
		if rec.Status != model.StatusRunning {
			return []string{}, nil
		}
		var ifaces agentInterfaces
		if err = f.api.Call(ctx, http.MethodGet, path+"/agent/network-get-interfaces", nil, &ifaces); err == nil {
			ips = ifaces.addresses()
		}
	case model.KindLXC:
		var cfg map[string]any
		if err = f.api.Call(ctx, http.MethodGet, path+"/config", nil, &cfg); err == nil {
			ips = containerIPs(cfg)
		}
	}
	if err != nil {
		if proxmox.IsAuthError(err) || ctx.Err() != nil {
			return nil, err
		}
		f.logger.Debug("guest addresses unavailable", "id", rec.ID, "kind", rec.Kind, "error", err)
		return []string{}, nil
	}
	if ips == nil {
		ips = []string{}
	}
	return ips, nil
}

func vmidLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	return a < b
}
