package domain

import "sort"

// Entry is a single leaderboard row.
type Entry struct {
	Rank        int    `json:"rank"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Smashes     int64  `json:"smashes"`
}

// Snapshot is the rendered top-N view of the leaderboard, ordered by
// smashes descending. Each feed push replaces the previous snapshot
// wholesale. Ties carry no secondary sort key; the store's order is
// preserved by stable sorting.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	entries := make([]Entry, len(s.Entries))
	copy(entries, s.Entries)
	return Snapshot{Entries: entries}
}

// Sort orders entries by smashes descending and reassigns ranks.
// The sort is stable so tied entries keep their current order.
func (s *Snapshot) Sort() {
	sort.SliceStable(s.Entries, func(i, j int) bool {
		return s.Entries[i].Smashes > s.Entries[j].Smashes
	})
	for i := range s.Entries {
		s.Entries[i].Rank = i + 1
	}
}

// Patch applies a local optimistic increment for id: if the entry is
// present it is bumped by one and the snapshot re-sorted. It reports
// whether the entry was present; an absent id leaves the snapshot
// untouched.
func (s *Snapshot) Patch(id string) bool {
	for i := range s.Entries {
		if s.Entries[i].ID == id {
			s.Entries[i].Smashes++
			s.Sort()
			return true
		}
	}
	return false
}

// Find returns the entry for id, if present.
func (s Snapshot) Find(id string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
