package locks

import (
	"sync"
	"testing"
	"time"
)

func TestBasicSharedToReservedToExclusive(t *testing.T) {
	db := NewDBLock()
	c := db.NewConn()

	if err := c.Acquire(Shared, 0, 0); err != nil {
		t.Fatalf("Shared: %v", err)
	}
	if !c.Reserved() {
		t.Fatal("holder of Shared should report Reserved() true")
	}
	if err := c.Acquire(Reserved, 0, 0); err != nil {
		t.Fatalf("Reserved: %v", err)
	}
	if err := c.Acquire(Exclusive, 50*time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("Exclusive: %v", err)
	}
	if c.Kind() != Exclusive {
		t.Fatalf("expected Exclusive, got %v", c.Kind())
	}
	c.Release()
	if c.Kind() != None {
		t.Fatal("release must return to None")
	}
}

func TestNeverTwoExclusiveSimultaneously(t *testing.T) {
	db := NewDBLock()
	a := db.NewConn()
	b := db.NewConn()

	if err := a.Acquire(Shared, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.Acquire(Reserved, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.Acquire(Exclusive, 20*time.Millisecond, time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if err := b.Acquire(Shared, 0, 0); err != ErrWouldBlock {
		t.Fatalf("Shared acquisition while Exclusive held should would-block, got %v", err)
	}
}

func TestPendingBlocksNewSharedAndPromotesWhenReadersDrain(t *testing.T) {
	db := NewDBLock()
	reader := db.NewConn()
	writer := db.NewConn()

	if err := reader.Acquire(Shared, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := writer.Acquire(Shared, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := writer.Acquire(Reserved, 0, 0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var exclusiveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		exclusiveErr = writer.Acquire(Exclusive, 200*time.Millisecond, time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	if writer.Kind() != Pending {
		t.Fatalf("writer should be Pending while a reader remains, got %v", writer.Kind())
	}

	// A second new Shared acquisition must be refused while Pending.
	other := db.NewConn()
	if err := other.Acquire(Shared, 0, 0); err != ErrWouldBlock {
		t.Fatalf("new Shared during Pending should would-block, got %v", err)
	}

	reader.Release()
	wg.Wait()
	if exclusiveErr != nil {
		t.Fatalf("exclusive promotion should succeed once readers drain: %v", exclusiveErr)
	}
	if writer.Kind() != Exclusive {
		t.Fatalf("expected Exclusive after promotion, got %v", writer.Kind())
	}
}

func TestReleaseAlwaysDecrementsReaders(t *testing.T) {
	db := NewDBLock()
	a := db.NewConn()
	b := db.NewConn()
	_ = a.Acquire(Shared, 0, 0)
	_ = b.Acquire(Shared, 0, 0)
	if db.readers != 2 {
		t.Fatalf("expected 2 readers, got %d", db.readers)
	}
	a.Release()
	if db.readers != 1 {
		t.Fatalf("expected 1 reader after release, got %d", db.readers)
	}
	b.Release()
	if db.readers != 0 {
		t.Fatalf("expected 0 readers after both release, got %d", db.readers)
	}
}
