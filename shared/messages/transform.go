package messages

// TransformState is the snapshot the server sends for one entity, either on
// change or as part of a periodic resync. Position is local to FrameID.
type TransformState struct {
	TargetEntityID uint32  `msgpack:"id"`
	FrameID        int32   `msgpack:"frame"`
	X              float64 `msgpack:"x"`
	Y              float64 `msgpack:"y"`
	ImpulseX       float64 `msgpack:"ix"`
	ImpulseY       float64 `msgpack:"iy"`
	Speed          float64 `msgpack:"speed"`
	SpinRotation   float64 `msgpack:"rot"`
	SpinFactor     float64 `msgpack:"spin"`
	Active         bool    `msgpack:"active"`
	IsFollowUpdate bool    `msgpack:"follow"`
}

// SpawnEvent is broadcast when a synchronized entity comes into existence
type SpawnEvent struct {
	EntityID uint32
	Kind     string // "item", "crate", "player"
}

// DespawnEvent is broadcast when an entity is removed
type DespawnEvent struct {
	EntityID uint32
}

// ViewerUpdate is sent by a client so the server can route nearby-only
// snapshots and knows which entity it controls.
type ViewerUpdate struct {
	X, Y float64
}

// PullRequest asks the server to start or stop towing an entity.
type PullRequest struct {
	TargetEntityID uint32
	Release        bool
}

// MoveRequest asks the server to move the viewer's own entity.
type MoveRequest struct {
	X, Y float64
}
