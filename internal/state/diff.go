package state

// Diff lists top-level keys that differ between two values.
type Diff struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Compare diffs from → to per top-level key: keys only in to are added, keys in
// both with unequal values are modified, keys only in from are removed.
// Compare(b, a) swaps Added and Removed and keeps Modified.
func Compare(from, to Value) Diff {
	diff := Diff{
		Added:    []string{},
		Modified: []string{},
		Removed:  []string{},
	}
	for _, key := range to.Keys() {
		before, ok := from[key]
		if !ok {
			diff.Added = append(diff.Added, key)
			continue
		}
		if !EqualAny(before, to[key]) {
			diff.Modified = append(diff.Modified, key)
		}
	}
	for _, key := range from.Keys() {
		if _, ok := to[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}
	return diff
}
