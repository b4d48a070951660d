package tags

import "github.com/yohamta/donburi"

// Spawn kinds as they appear in layouts and SpawnEvent messages.
const (
	KindViewer = "viewer"
	KindCrate  = "crate"
	KindItem   = "item"
)

var (
	Viewer = donburi.NewTag().SetName("Viewer")
	Crate  = donburi.NewTag().SetName("Crate")
	Item   = donburi.NewTag().SetName("Item")
	Object = donburi.NewTag().SetName("Object")
)

// ForKind maps a spawn kind to the tag its entity carries. Unknown kinds are
// plain objects.
func ForKind(kind string) donburi.IComponentType {
	switch kind {
	case KindViewer:
		return Viewer
	case KindCrate:
		return Crate
	case KindItem:
		return Item
	default:
		return Object
	}
}
