package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := New()

	if r.Fired("a") {
		t.Fatal("fresh registry reports fired")
	}
	if err := r.MarkFired(ctx, "a", time.Now()); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if !r.Fired("a") {
		t.Fatal("MarkFired not remembered")
	}

	t1 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	_ = r.MarkDelivered(ctx, "b", t2)
	_ = r.MarkDelivered(ctx, "b", t1)
	got, ok := r.LastDelivered("b")
	if !ok || !got.Equal(t2) {
		t.Fatalf("LastDelivered = %v (%v), want %v", got, ok, t2)
	}
	if r.Fired("b") {
		t.Fatal("repeating delivery counted as one-off fire")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryConcurrentMarks(t *testing.T) {
	ctx := context.Background()
	r := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.MarkDelivered(ctx, "rep", base.Add(time.Duration(i)*time.Minute))
			_ = r.Fired("rep")
		}(i)
	}
	wg.Wait()

	got, _ := r.LastDelivered("rep")
	if want := base.Add(49 * time.Minute); !got.Equal(want) {
		t.Fatalf("LastDelivered = %v, want %v", got, want)
	}
}

func TestSQLiteRegistrySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	occ := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	r, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.MarkFired(ctx, "one", occ); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if err := r.MarkDelivered(ctx, "rep", occ); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := r.MarkDelivered(ctx, "rep", occ.Add(time.Hour)); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	if !again.Fired("one") {
		t.Error("one-off fire lost across reopen")
	}
	got, ok := again.LastDelivered("rep")
	if !ok || !got.Equal(occ.Add(time.Hour)) {
		t.Errorf("LastDelivered after reopen = %v (%v)", got, ok)
	}
}

func TestSQLiteBackendInMemory(t *testing.T) {
	ctx := context.Background()
	b, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer b.Close()

	if err := b.Put(ctx, Entry{TaskID: "x", OneOff: true, Occurrence: time.Unix(0, 0)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "x" || !entries[0].OneOff {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "redis", ""); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	r, err := Open(context.Background(), "", "")
	if err != nil || r == nil {
		t.Fatalf("empty driver should default to memory: %v", err)
	}
}
