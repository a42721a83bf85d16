package model

import (
	"sort"
	"time"
)

// Snapshot is one consistent view of the cluster. It is never mutated after
// publication; readers share it without locking.
type Snapshot struct {
	Sequence uint64                    `json:"sequence"`
	TakenAt  time.Time                 `json:"taken_at"`
	Records  map[string]ResourceRecord `json:"records"`
}

func (s *Snapshot) Get(id string) (ResourceRecord, bool) {
	if s == nil {
		return ResourceRecord{}, false
	}
	rec, ok := s.Records[id]
	return rec, ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// IDs returns the record ids in lexical order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sorted returns the records ordered by id.
func (s *Snapshot) Sorted() []ResourceRecord {
	ids := s.IDs()
	out := make([]ResourceRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Records[id])
	}
	return out
}

func (s *Snapshot) CountByKind() map[ResourceKind]int {
	out := map[ResourceKind]int{}
	if s == nil {
		return out
	}
	for _, rec := range s.Records {
		out[rec.Kind]++
	}
	return out
}

// Diff describes what one reconciliation changed relative to the previous
// snapshot. All id lists are sorted.
type Diff struct {
	Added         []string `json:"added"`
	Removed       []string `json:"removed"`
	Updated       []string `json:"updated"`
	StatusChanged []string `json:"status_changed"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}
