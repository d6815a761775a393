package pager

import "testing"

func TestSegmentedLRUPromotesOnSecondTouch(t *testing.T) {
	l := newSegmentedLRU(2, 2)
	k := key{db: 0, pgno: 1}
	l.insert(k, 10)
	if l.entries[k].seg != segProbationary {
		t.Fatal("fresh insert should be probationary")
	}
	l.touch(k)
	if l.entries[k].seg != segProtected {
		t.Fatal("second touch should promote to protected")
	}
}

func TestSegmentedLRUEvictsProbationaryFirst(t *testing.T) {
	l := newSegmentedLRU(10, 10)
	hot := key{db: 0, pgno: 1}
	cold := key{db: 0, pgno: 2}
	l.insert(hot, 1)
	l.touch(hot) // promote to protected
	l.insert(cold, 1)

	evicted, ok := l.evictOne()
	if !ok || evicted != cold {
		t.Fatalf("expected to evict cold probationary page first, got %+v ok=%v", evicted, ok)
	}
}

func TestSegmentedLRULenAndRemove(t *testing.T) {
	l := newSegmentedLRU(10, 10)
	k1 := key{db: 0, pgno: 1}
	k2 := key{db: 0, pgno: 2}
	l.insert(k1, 1)
	l.insert(k2, 1)
	if l.len() != 2 {
		t.Fatalf("want 2 entries, got %d", l.len())
	}
	if !l.remove(k1) {
		t.Fatal("remove should succeed for tracked key")
	}
	if l.has(k1) {
		t.Fatal("removed key should no longer be tracked")
	}
	if l.len() != 1 {
		t.Fatalf("want 1 entry after remove, got %d", l.len())
	}
}

func TestSegmentedLRUKeysForDB(t *testing.T) {
	l := newSegmentedLRU(10, 10)
	l.insert(key{db: 1, pgno: 1}, 1)
	l.insert(key{db: 1, pgno: 2}, 1)
	l.insert(key{db: 2, pgno: 1}, 1)
	got := l.keysForDB(1)
	if len(got) != 2 {
		t.Fatalf("want 2 keys for db 1, got %d", len(got))
	}
}
