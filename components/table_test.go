package components

import (
	"errors"
	"testing"

	"github.com/yohamta/donburi"
)

func TestTableCreateAndLookup(t *testing.T) {
	table := NewTable(donburi.NewWorld())

	entry, err := table.Create(9, ServerTransform)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if Identity.Get(entry).ID != 9 {
		t.Fatalf("identity not set")
	}
	if !entry.HasComponent(ServerTransform) {
		t.Fatalf("requested component missing")
	}

	got, ok := table.Entry(9)
	if !ok || got.Entity() != entry.Entity() {
		t.Fatalf("lookup returned a different row")
	}
}

func TestTableRejectsDuplicates(t *testing.T) {
	table := NewTable(donburi.NewWorld())
	if _, err := table.Create(1, ClientTransform); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := table.Create(1, ClientTransform); !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestTableRemove(t *testing.T) {
	table := NewTable(donburi.NewWorld())
	_, _ = table.Create(3, ClientTransform)
	_, _ = table.Create(1, ClientTransform)

	if ids := table.IDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ids: got=%v", ids)
	}
	if !table.Remove(3) || table.Remove(3) {
		t.Fatalf("remove should succeed exactly once")
	}
	if table.Has(3) || table.Len() != 1 {
		t.Fatalf("row 3 should be gone")
	}
}
