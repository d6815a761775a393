package syncer

import "github.com/samber/lo"

// Changes describes which pages of a database may be stale relative to the
// locally cached copy: either every page (All) or an enumerated subset.
// The zero value means "nothing changed".
type Changes struct {
	All   bool
	Pgnos []uint32
}

// IsZero reports whether c carries no invalidation at all.
func (c Changes) IsZero() bool { return !c.All && len(c.Pgnos) == 0 }

// Merge combines c with next, honoring the merge law: All absorbs anything
// merged into it, merging two page sets unions them, and merging with a
// zero Changes is a no-op.
func (c Changes) Merge(next Changes) Changes {
	if c.All || next.All {
		return Changes{All: true}
	}
	if next.IsZero() {
		return c
	}
	if c.IsZero() {
		return next
	}
	return Changes{Pgnos: lo.Uniq(append(append([]uint32{}, c.Pgnos...), next.Pgnos...))}
}
