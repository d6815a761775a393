package pager

import "container/list"

// key identifies one cached page: an interned, short per-database symbol
// plus the page number, so the index tracks every cached page keyed by
// (dbSymbol, pageNumber).
type key struct {
	db   dbSymbol
	pgno uint32
}

// dbSymbol is an interned short id for a database name, so the LRU index
// keys on a small fixed-size value instead of repeating the name string in
// every entry.
type dbSymbol uint32

// symbolTable interns database names to dbSymbols under a single mutex: a
// small guarded lookup table.
type symbolTable struct {
	byName map[string]dbSymbol
	byID   []string
}

func newSymbolTable() *symbolTable {
	return &symbolTable{byName: make(map[string]dbSymbol)}
}

func (s *symbolTable) intern(name string) dbSymbol {
	if id, ok := s.byName[name]; ok {
		return id
	}
	id := dbSymbol(len(s.byID))
	s.byID = append(s.byID, name)
	s.byName[name] = id
	return id
}

func (s *symbolTable) name(id dbSymbol) string {
	return s.byID[id]
}

// segment identifies which tier of the segmented LRU an entry lives in.
type segment int

const (
	segProbationary segment = iota
	segProtected
)

// entry is the bookkeeping record for one cached page.
type entry struct {
	key    key
	seg    segment
	elem   *list.Element // element in the segment's list
	nbytes int
}

// segmentedLRU is a two-tier (probationary / protected) LRU index: a page
// enters probationary on first insert and is promoted to protected on its
// second access, so a single scan through cold pages doesn't evict a hot
// working set. Default capacities (6500/26000) are tunable and not
// load-bearing for correctness.
type segmentedLRU struct {
	probationaryCap int
	protectedCap    int

	entries map[key]*entry
	proba   *list.List // front = most recent
	prot    *list.List
}

func newSegmentedLRU(probationaryCap, protectedCap int) *segmentedLRU {
	if probationaryCap <= 0 {
		probationaryCap = 6500
	}
	if protectedCap <= 0 {
		protectedCap = 26000
	}
	return &segmentedLRU{
		probationaryCap: probationaryCap,
		protectedCap:    protectedCap,
		entries:         make(map[key]*entry),
		proba:           list.New(),
		prot:            list.New(),
	}
}

func (l *segmentedLRU) len() int { return len(l.entries) }

func (l *segmentedLRU) has(k key) bool {
	_, ok := l.entries[k]
	return ok
}

// touch records an access to k, promoting it from probationary to
// protected on its second touch, or moving it to the front of whichever
// segment it is already in. It returns false if k is not tracked.
func (l *segmentedLRU) touch(k key) bool {
	e, ok := l.entries[k]
	if !ok {
		return false
	}
	switch e.seg {
	case segProbationary:
		l.proba.Remove(e.elem)
		e.seg = segProtected
		e.elem = l.prot.PushFront(e)
		l.rebalanceProtected()
	case segProtected:
		l.prot.MoveToFront(e.elem)
	}
	return true
}

// insert adds a newly-cached page to the probationary segment. Callers
// must have already made room via evictOne in a reclamation loop; insert
// itself never evicts.
func (l *segmentedLRU) insert(k key, nbytes int) {
	if _, ok := l.entries[k]; ok {
		return
	}
	e := &entry{key: k, seg: segProbationary, nbytes: nbytes}
	e.elem = l.proba.PushFront(e)
	l.entries[k] = e
}

// remove drops k from the index entirely (used by del_page/truncate/clear).
func (l *segmentedLRU) remove(k key) bool {
	e, ok := l.entries[k]
	if !ok {
		return false
	}
	l.listFor(e.seg).Remove(e.elem)
	delete(l.entries, k)
	return true
}

func (l *segmentedLRU) listFor(s segment) *list.List {
	if s == segProtected {
		return l.prot
	}
	return l.proba
}

// rebalanceProtected demotes the coldest protected entry back to
// probationary when the protected segment exceeds its cap, keeping the
// two-tier property intact as entries get promoted.
func (l *segmentedLRU) rebalanceProtected() {
	for l.prot.Len() > l.protectedCap {
		back := l.prot.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		l.prot.Remove(back)
		e.seg = segProbationary
		e.elem = l.proba.PushFront(e)
	}
}

// evictOne removes and returns the key to evict next: the tail of the
// probationary segment first, falling back to the tail of protected when
// probationary is empty. Returns false if the index is empty.
func (l *segmentedLRU) evictOne() (key, bool) {
	if back := l.proba.Back(); back != nil {
		e := back.Value.(*entry)
		l.proba.Remove(back)
		delete(l.entries, e.key)
		return e.key, true
	}
	if back := l.prot.Back(); back != nil {
		e := back.Value.(*entry)
		l.prot.Remove(back)
		delete(l.entries, e.key)
		return e.key, true
	}
	return key{}, false
}

// keysForDB returns every key currently tracked for db, used by
// truncate/clear which must scan by database rather than by global LRU
// order.
func (l *segmentedLRU) keysForDB(db dbSymbol) []key {
	var out []key
	for k := range l.entries {
		if k.db == db {
			out = append(out, k)
		}
	}
	return out
}
