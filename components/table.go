package components

import (
	"errors"
	"fmt"
	"sort"

	"github.com/automoto/matrixsync/shared/transform"
	"github.com/yohamta/donburi"
)

var ErrDuplicateEntity = errors.New("entity already in table")

// Table indexes donburi entities by wire id. The world is the arena; the
// index is the only way callers reach a row.
type Table struct {
	world donburi.World
	index map[transform.EntityID]donburi.Entity
}

func NewTable(world donburi.World) *Table {
	return &Table{
		world: world,
		index: make(map[transform.EntityID]donburi.Entity),
	}
}

func (t *Table) World() donburi.World {
	return t.world
}

// Create adds a row for id carrying Identity plus the given components.
func (t *Table) Create(id transform.EntityID, comps ...donburi.IComponentType) (*donburi.Entry, error) {
	if e, ok := t.index[id]; ok && t.world.Valid(e) {
		return nil, fmt.Errorf("entity %d: %w", id, ErrDuplicateEntity)
	}
	entity := t.world.Create(append([]donburi.IComponentType{Identity}, comps...)...)
	entry := t.world.Entry(entity)
	Identity.SetValue(entry, IdentityData{ID: id})
	t.index[id] = entity
	return entry, nil
}

func (t *Table) Entry(id transform.EntityID) (*donburi.Entry, bool) {
	e, ok := t.index[id]
	if !ok || !t.world.Valid(e) {
		return nil, false
	}
	return t.world.Entry(e), true
}

func (t *Table) Has(id transform.EntityID) bool {
	_, ok := t.Entry(id)
	return ok
}

// Remove deletes the row for id and reports whether it existed.
func (t *Table) Remove(id transform.EntityID) bool {
	e, ok := t.index[id]
	if !ok {
		return false
	}
	delete(t.index, id)
	if t.world.Valid(e) {
		t.world.Remove(e)
	}
	return true
}

func (t *Table) Len() int {
	return len(t.index)
}

// IDs returns every indexed id in ascending order.
func (t *Table) IDs() []transform.EntityID {
	ids := make([]transform.EntityID, 0, len(t.index))
	for id := range t.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
