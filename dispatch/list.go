package dispatch

import "sort"

// entry is one registered handler, generic over F (the precise function
// signature for its (Shape, Kind) combination: func(*E), func(*E) bool,
// func(identity.Identity, *E), etc). Every Handler List in the engine is a
// slice of *entry[F] for some concrete F, which is what lets the hot path
// invoke entry.fn directly with no boxing or dictionary lookup beyond the
// one reflect.Type lookup performed once per concrete event type (see
// tableFor in bus.go).
type entry[F any] struct {
	handle      Handle
	priority    int
	seq         uint64
	fn          F
	token       *Token
	removed     bool
	deactivated bool
}

// active reports whether this entry should fire right now. It combines the
// entry's own removal state, an external deactivation (from Bus.Deactivate,
// modeling the host adapter's on_destroy callback), and its owning token's
// enabled flag, per invariant 2 of §3: "A Handler Entry's active equals its
// token's enabled AND its handle not being removed." A handler registered
// without an owning token (token == nil) is active as long as it has not
// been removed or deactivated.
func (e *entry[F]) active() bool {
	if e.removed || e.deactivated {
		return false
	}
	if e.token != nil && !e.token.enabled {
		return false
	}
	return true
}

// list is one Handler List: an ordered, priority-sorted sequence of
// entries for a single (shape, addressing key, kind) tuple. It implements
// snapshot-on-first-touch (§4.3) via clone-on-write: once a snapshot has
// been handed out, any structural mutation (an insert; soft-deletes are
// never structural) clones the backing slice before mutating it, so a live
// snapshot iterator keeps seeing exactly what it captured while the list
// itself moves on. The clone happens once per outstanding snapshot: the
// first insert after a snapshot clones and clears the flag, and later
// inserts mutate that private clone in place until the next snapshot.
type list[F any] struct {
	entries      []*entry[F]
	snapshotLive bool
}

func newList[F any]() *list[F] {
	return &list[F]{}
}

// insert adds e to the list in (priority asc, seq asc) order, cloning the
// backing array first if a snapshot of the current array is outstanding.
func (l *list[F]) insert(e *entry[F]) {
	if l.snapshotLive {
		cloned := make([]*entry[F], len(l.entries), len(l.entries)+1)
		copy(cloned, l.entries)
		l.entries = cloned
		l.snapshotLive = false
	}

	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].priority > e.priority
	})
	l.entries = append(l.entries, nil)
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = e
}

// removeByHandle soft-deletes the entry with the given handle, if present.
// Soft deletion never needs to clone: it mutates the shared *entry value in
// place, which is exactly what lets an in-flight snapshot observe the
// removal (via entry.active()) without seeing the entry vanish from its
// iteration, per §4.3's mid-emission removal semantics.
func (l *list[F]) removeByHandle(h Handle) bool {
	for _, e := range l.entries {
		if e.handle == h {
			e.removed = true
			return true
		}
	}
	return false
}

// deactivateAll marks every entry in the list as deactivated, in place.
// Like removeByHandle, this is a tombstone, not a structural mutation: it
// never needs to clone a live snapshot, and an in-flight emission that
// already captured these entries will skip them via entry.active() from
// this point on.
func (l *list[F]) deactivateAll() {
	for _, e := range l.entries {
		e.deactivated = true
	}
}

// snapshot returns the current backing slice for iteration and marks the
// list as having a live snapshot, so that any subsequent insert clones
// rather than mutating in place. The returned slice must be treated as
// read-only by the caller.
func (l *list[F]) snapshot() []*entry[F] {
	l.snapshotLive = true
	return l.entries
}

// len reports how many entries (including soft-removed ones) the list
// currently holds, for diagnostics/handler-count accessors.
func (l *list[F]) len() int {
	return len(l.entries)
}

// stableByPriority returns a new slice containing every entry (active or
// not; callers check entry.active() at call time) from each of lists,
// concatenated in the given fixed order and then
// stable-sorted by priority. Because Go's sort.SliceStable preserves the
// relative order of equal-priority elements, concatenating in a fixed
// "list origin" order before sorting gives exactly the tie-break rule from
// §4.2's priority rule: "(priority asc, (list origin, insertion sequence)
// asc)".
func stableByPriority[F any](snapshots ...[]*entry[F]) []*entry[F] {
	total := 0
	for _, s := range snapshots {
		total += len(s)
	}
	merged := make([]*entry[F], 0, total)
	for _, s := range snapshots {
		merged = append(merged, s...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].priority < merged[j].priority
	})
	return merged
}
