package transform

import "github.com/yohamta/donburi/features/math"

// FrameOrigins maps a frame to the world position of its local origin.
type FrameOrigins interface {
	FrameOrigin(id FrameID) math.Vec2
}

// FrameResolver answers which reference frame holds a world position and how
// that frame is moving. ok is false when no frame other than the world frame
// could be resolved.
type FrameResolver interface {
	FrameOrigins
	FrameAt(world math.Vec2) (id FrameID, ok bool)
	FrameVelocity(id FrameID) math.Vec2
}

// Registry is the spatial lookup that tracks where active entities are.
// Register on an already registered id moves it.
type Registry interface {
	Register(id EntityID, world math.Vec2)
	Unregister(id EntityID)
}

// PullQuery reports whether the local viewer is towing an entity.
type PullQuery interface {
	IsPulledByLocalViewer(id EntityID) bool
}

// PullBreaker ends every pull relationship an entity takes part in.
type PullBreaker interface {
	ReleasePull(id EntityID)
}
