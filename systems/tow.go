package systems

import "github.com/automoto/matrixsync/shared/transform"

// Tow records who is pulling what. Each entity has at most one puller and
// pulls at most one entity.
type Tow struct {
	pulledBy map[transform.EntityID]transform.EntityID
	pulling  map[transform.EntityID]transform.EntityID
	local    transform.EntityID
	hasLocal bool
}

func NewTow() *Tow {
	return &Tow{
		pulledBy: make(map[transform.EntityID]transform.EntityID),
		pulling:  make(map[transform.EntityID]transform.EntityID),
	}
}

// SetLocalViewer names the entity controlled on this machine.
func (t *Tow) SetLocalViewer(id transform.EntityID) {
	t.local = id
	t.hasLocal = true
}

// Start makes puller tow pulled, replacing prior relationships of either.
func (t *Tow) Start(puller, pulled transform.EntityID) {
	if puller == pulled {
		return
	}
	t.ReleasePull(pulled)
	if prev, ok := t.pulling[puller]; ok {
		delete(t.pulledBy, prev)
	}
	t.pulledBy[pulled] = puller
	t.pulling[puller] = pulled
}

// ReleasePull ends every relationship id takes part in.
func (t *Tow) ReleasePull(id transform.EntityID) {
	if puller, ok := t.pulledBy[id]; ok {
		delete(t.pulling, puller)
		delete(t.pulledBy, id)
	}
	if pulled, ok := t.pulling[id]; ok {
		delete(t.pulledBy, pulled)
		delete(t.pulling, id)
	}
}

// Puller returns who is towing id.
func (t *Tow) Puller(id transform.EntityID) (transform.EntityID, bool) {
	p, ok := t.pulledBy[id]
	return p, ok
}

// Pulled returns what id is towing.
func (t *Tow) Pulled(id transform.EntityID) (transform.EntityID, bool) {
	p, ok := t.pulling[id]
	return p, ok
}

func (t *Tow) IsPulled(id transform.EntityID) bool {
	_, ok := t.pulledBy[id]
	return ok
}

func (t *Tow) IsPulledByLocalViewer(id transform.EntityID) bool {
	if !t.hasLocal {
		return false
	}
	p, ok := t.pulledBy[id]
	return ok && p == t.local
}
