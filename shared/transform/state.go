// Package transform defines the synchronized motion record shared between the
// authority (server) and prediction (client) engines. It has no dependency on
// networking or on the state table so both sides can use it headless.
package transform

import (
	"fmt"
	stdmath "math"

	"github.com/yohamta/donburi/features/math"
)

// EntityID is the wire identity of a synchronized entity.
type EntityID uint32

// FrameID identifies a reference frame (matrix). WorldFrame is the null frame
// whose origin is the world origin.
type FrameID int32

const (
	WorldFrame    FrameID = 0
	noFrame       FrameID = -1
	hiddenCoord           = -1 << 20
	epsilonDistSq         = 1e-12
)

// HiddenPos is the reserved out-of-bounds position meaning "not placed in the world".
var HiddenPos = math.Vec2{X: hiddenCoord, Y: hiddenCoord}

// Uninitialized is the state of an entity that has never been placed.
var Uninitialized = State{FrameID: noFrame, Position: HiddenPos}

// State is the unit of synchronized motion data. It is a plain value: copying
// it is how the four per-entity slots hand data to each other.
type State struct {
	FrameID        FrameID
	Position       math.Vec2 // local to FrameID's origin
	Impulse        math.Vec2 // unit heading used together with Speed
	Speed          float64
	SpinRotation   float64 // degrees
	SpinFactor     float64 // degrees per second, signed
	IsFollowUpdate bool
}

// Active reports whether the entity currently exists in the simulated world.
func (s State) Active() bool {
	return s.Position != HiddenPos
}

func (s State) IsUninitialized() bool {
	return s.FrameID == noFrame
}

// IsFloating reports whether the state carries its own linear motion.
func (s State) IsFloating() bool {
	return s.Speed > 0 && s.Impulse != (math.Vec2{})
}

// WorldPosition derives the world position from the frame origin. It is never
// stored, so it cannot drift from the local position.
func (s State) WorldPosition(origins FrameOrigins) math.Vec2 {
	if !s.Active() {
		return HiddenPos
	}
	if s.IsUninitialized() || origins == nil {
		return s.Position
	}
	return origins.FrameOrigin(s.FrameID).Add(s.Position)
}

// SetWorldPosition stores world as a position local to the current frame.
// Passing HiddenPos hides the state.
func (s *State) SetWorldPosition(origins FrameOrigins, world math.Vec2) {
	if world == HiddenPos {
		s.Position = HiddenPos
		return
	}
	if s.IsUninitialized() || origins == nil {
		s.Position = world
		return
	}
	s.Position = world.Sub(origins.FrameOrigin(s.FrameID))
}

// Retag moves the state into frame while keeping its world position.
func (s *State) Retag(origins FrameOrigins, frame FrameID) {
	world := s.WorldPosition(origins)
	s.FrameID = frame
	s.SetWorldPosition(origins, world)
}

// Advance applies one step of linear motion and spin.
func (s *State) Advance(dt float64) {
	if s.Active() && s.IsFloating() {
		s.Position = s.Position.Add(s.Impulse.MulScalar(s.Speed * dt))
	}
	if s.SpinFactor != 0 {
		s.SpinRotation = NormalizeDegrees(s.SpinRotation + s.SpinFactor*dt)
	}
}

func (s State) String() string {
	if s.IsUninitialized() {
		return "[uninitialized]"
	}
	if !s.Active() {
		return fmt.Sprintf("[frame=%d hidden]", s.FrameID)
	}
	return fmt.Sprintf("[frame=%d pos=(%.2f,%.2f) imp=(%.2f,%.2f) speed=%.2f rot=%.1f spin=%.1f follow=%t]",
		s.FrameID, s.Position.X, s.Position.Y, s.Impulse.X, s.Impulse.Y,
		s.Speed, s.SpinRotation, s.SpinFactor, s.IsFollowUpdate)
}

// Tile is an integer grid cell, the granularity of frame-switch checks and
// registry updates.
type Tile struct {
	X, Y int
}

// TileOf rounds a position to its tile.
func TileOf(p math.Vec2) Tile {
	return Tile{X: int(stdmath.Round(p.X)), Y: int(stdmath.Round(p.Y))}
}

// MoveTowards steps from current toward target by at most maxDelta.
func MoveTowards(current, target math.Vec2, maxDelta float64) math.Vec2 {
	delta := target.Sub(current)
	distSq := delta.X*delta.X + delta.Y*delta.Y
	if distSq <= epsilonDistSq || (maxDelta >= 0 && distSq <= maxDelta*maxDelta) {
		return target
	}
	dist := stdmath.Sqrt(distSq)
	return current.Add(delta.MulScalar(maxDelta / dist))
}

// Direction returns the unit vector of v and its length.
func Direction(v math.Vec2) (math.Vec2, float64) {
	length := stdmath.Hypot(v.X, v.Y)
	if length == 0 {
		return math.Vec2{}, 0
	}
	return v.MulScalar(1 / length), length
}

// NormalizeDegrees wraps a into [0, 360).
func NormalizeDegrees(a float64) float64 {
	a = stdmath.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}
