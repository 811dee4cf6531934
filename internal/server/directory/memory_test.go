package directory

import (
	"context"
	"testing"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	serverdomain "github.com/weiawesome/slippi-broadcast/internal/server/domain"
)

func entry(id, scope string) *serverdomain.BroadcastEntry {
	return &serverdomain.BroadcastEntry{
		Record: domain.BroadcastRecord{ID: id, Name: "game " + id},
		Scope:  scope,
	}
}

func TestMemoryDirectory_ListIsScoped(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	d.Put(ctx, entry("a", "s1"))
	d.Put(ctx, entry("b", "s1"))
	d.Put(ctx, entry("c", "s2"))

	got, err := d.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List(s1) returned %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.Scope != "s1" {
			t.Errorf("List(s1) returned entry with scope %q", e.Scope)
		}
	}

	n, _ := d.Count(ctx)
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
}

func TestMemoryDirectory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	d.Put(ctx, entry("a", "s1"))

	e, _ := d.Get(ctx, "a")
	e.Scope = "mutated"

	again, _ := d.Get(ctx, "a")
	if again.Scope != "s1" {
		t.Errorf("stored entry was mutated through Get, scope = %q", again.Scope)
	}
}

func TestMemoryDirectory_MissingAndDelete(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	e, err := d.Get(ctx, "nope")
	if err != nil || e != nil {
		t.Errorf("Get(missing) = %v, %v; want nil, nil", e, err)
	}

	d.Put(ctx, entry("a", "s1"))
	if err := d.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := d.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
	if n, _ := d.Count(ctx); n != 0 {
		t.Errorf("Count() after delete = %d, want 0", n)
	}
}
