package provenance

import (
	"github.com/omnisoin/ledger/pkg/contenthash"
)

// FieldDiff lists field names that differ between two snapshots, each list
// sorted.
type FieldDiff struct {
	Changed []string `json:"changed,omitempty"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether the snapshots had identical fields and values.
func (d FieldDiff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffRecords compares an attested snapshot with a later one using the same
// exact equality as the content hash: null differs from "".
func DiffRecords(before, after contenthash.Record) FieldDiff {
	var d FieldDiff
	for _, name := range before.FieldNames() {
		v, ok := after[name]
		switch {
		case !ok:
			d.Removed = append(d.Removed, name)
		case !sameValue(before[name], v):
			d.Changed = append(d.Changed, name)
		}
	}
	for _, name := range after.FieldNames() {
		if _, ok := before[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	return d
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
