// Package reconcile turns one fetched inventory into the next Snapshot.
package reconcile

import (
	"reflect"
	"sort"
	"time"

	"pve-agent/internal/model"
)

// Reconcile builds the snapshot that follows prev. Records absent from the
// batch are dropped, new ids are added and surviving ids are replaced
// wholesale. When an id appears twice in one batch the first record wins. An
// id that changes kind is reported as removed and added.
//
// prev is never modified; the returned snapshot shares no mutable state with
// records.
func Reconcile(prev *model.Snapshot, records []model.ResourceRecord, at time.Time) (*model.Snapshot, model.Diff) {
	next := &model.Snapshot{
		Sequence: 1,
		TakenAt:  at.UTC(),
		Records:  make(map[string]model.ResourceRecord, len(records)),
	}
	if prev != nil {
		next.Sequence = prev.Sequence + 1
	}

	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, dup := next.Records[rec.ID]; dup {
			continue
		}
		next.Records[rec.ID] = rec.Clone()
	}

	return next, diff(prev, next)
}

func diff(prev, next *model.Snapshot) model.Diff {
	d := model.Diff{
		Added:         []string{},
		Removed:       []string{},
		Updated:       []string{},
		StatusChanged: []string{},
	}
	for id, rec := range next.Records {
		old, ok := prev.Get(id)
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case old.Kind != rec.Kind:
			d.Removed = append(d.Removed, id)
			d.Added = append(d.Added, id)
		default:
			if old.Status != rec.Status {
				d.StatusChanged = append(d.StatusChanged, id)
			}
			if !reflect.DeepEqual(old, rec) {
				d.Updated = append(d.Updated, id)
			}
		}
	}
	if prev != nil {
		for id := range prev.Records {
			if _, ok := next.Records[id]; !ok {
				d.Removed = append(d.Removed, id)
			}
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Updated)
	sort.Strings(d.StatusChanged)
	return d
}
