// Package spatial tracks where active entities and viewers are, backed by a
// resolv.Space so nearby queries only look at neighbouring cells.
package spatial

import (
	"github.com/solarlune/resolv"
	"github.com/yohamta/donburi/features/math"
)

const (
	tagMember = "member"
	tagCursor = "cursor"
)

// Registry maps keys to world positions. Register on an existing key moves
// it, so a key is registered at most once.
type Registry[K comparable] struct {
	space   *resolv.Space
	objects map[K]*resolv.Object
}

// NewRegistry builds a registry covering width x height world units split
// into cells of cellSize.
func NewRegistry[K comparable](width, height, cellSize int) *Registry[K] {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Registry[K]{
		space:   resolv.NewSpace(width, height, cellSize, cellSize),
		objects: make(map[K]*resolv.Object),
	}
}

func (r *Registry[K]) Register(key K, world math.Vec2) {
	if obj, ok := r.objects[key]; ok {
		obj.X = world.X
		obj.Y = world.Y
		obj.Update()
		return
	}
	obj := resolv.NewObject(world.X, world.Y, 1, 1, tagMember)
	obj.Data = key
	r.space.Add(obj)
	r.objects[key] = obj
}

func (r *Registry[K]) Unregister(key K) {
	obj, ok := r.objects[key]
	if !ok {
		return
	}
	r.space.Remove(obj)
	delete(r.objects, key)
}

// Position returns where key is registered.
func (r *Registry[K]) Position(key K) (math.Vec2, bool) {
	obj, ok := r.objects[key]
	if !ok {
		return math.Vec2{}, false
	}
	return math.Vec2{X: obj.X, Y: obj.Y}, true
}

func (r *Registry[K]) IsRegistered(key K) bool {
	_, ok := r.objects[key]
	return ok
}

func (r *Registry[K]) Len() int {
	return len(r.objects)
}

// Nearby returns every key registered within radius of center.
func (r *Registry[K]) Nearby(center math.Vec2, radius float64) []K {
	cursor := resolv.NewObject(center.X-radius, center.Y-radius, radius*2+1, radius*2+1, tagCursor)
	r.space.Add(cursor)
	defer r.space.Remove(cursor)

	check := cursor.Check(0, 0, tagMember)
	if check == nil {
		return nil
	}

	var out []K
	radiusSq := radius * radius
	for _, obj := range check.ObjectsByTags(tagMember) {
		dx, dy := obj.X-center.X, obj.Y-center.Y
		if dx*dx+dy*dy > radiusSq {
			continue
		}
		if key, ok := obj.Data.(K); ok {
			out = append(out, key)
		}
	}
	return out
}
