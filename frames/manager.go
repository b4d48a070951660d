// Package frames owns the reference frames (matrices) entities can be
// expressed in. Frame bounds live in a resolv.Space so containment queries
// only look at nearby cells; moving frames follow gween-driven routes or a
// constant drift.
package frames

import (
	"errors"
	"fmt"
	"log"

	"github.com/automoto/matrixsync/shared/transform"
	"github.com/solarlune/resolv"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"github.com/yohamta/donburi/features/math"
)

const (
	tagFrame  = "frame"
	tagCursor = "cursor"
)

var (
	ErrWorldFrame     = errors.New("frame id 0 is reserved for the world frame")
	ErrDuplicateFrame = errors.New("frame already defined")
	ErrEmptyBounds    = errors.New("frame bounds must be positive")
)

// Definition describes a frame as authored in a layout. Coordinates are in
// tiles, bounds are local to the origin.
type Definition struct {
	ID            transform.FrameID
	Name          string
	X, Y          float64 // origin in world space
	Width, Height float64
	RouteX        float64 // patrol offset; zero for no patrol
	RouteY        float64
	RouteSeconds  float64
	DriftX        float64 // constant velocity, tiles/s
	DriftY        float64
}

// Frame is a live reference frame.
type Frame struct {
	ID     transform.FrameID
	Name   string
	Origin math.Vec2
	Width  float64
	Height float64

	velocity math.Vec2
	drift    math.Vec2
	route    *route
	object   *resolv.Object
}

// route ping-pongs the origin between start and start+offset.
type route struct {
	start   math.Vec2
	offset  math.Vec2
	seconds float32
	tween   *gween.Tween
	forward bool
}

func newRoute(start, offset math.Vec2, seconds float64) *route {
	r := &route{start: start, offset: offset, seconds: float32(seconds), forward: true}
	r.tween = gween.New(0, 1, r.seconds, ease.Linear)
	return r
}

func (r *route) advance(dt float64) math.Vec2 {
	t, finished := r.tween.Update(float32(dt))
	if finished {
		r.forward = !r.forward
		if r.forward {
			r.tween = gween.New(0, 1, r.seconds, ease.Linear)
		} else {
			r.tween = gween.New(1, 0, r.seconds, ease.Linear)
		}
	}
	return r.start.Add(r.offset.MulScalar(float64(t)))
}

// Moving reports whether the frame is currently in transit.
func (f *Frame) Moving() bool {
	return f.velocity != (math.Vec2{})
}

func (f *Frame) Velocity() math.Vec2 {
	return f.velocity
}

func (f *Frame) contains(world math.Vec2) bool {
	local := world.Sub(f.Origin)
	return local.X >= 0 && local.Y >= 0 && local.X < f.Width && local.Y < f.Height
}

// Manager implements transform.FrameResolver.
type Manager struct {
	space  *resolv.Space
	frames map[transform.FrameID]*Frame
	cursor *resolv.Object
	log    *log.Logger
}

// NewManager creates a manager whose frames may occupy a width x height area.
func NewManager(width, height, cellSize int) *Manager {
	if cellSize <= 0 {
		cellSize = 1
	}
	m := &Manager{
		space:  resolv.NewSpace(width, height, cellSize, cellSize),
		frames: make(map[transform.FrameID]*Frame),
		cursor: resolv.NewObject(0, 0, 1, 1, tagCursor),
		log:    log.Default(),
	}
	m.space.Add(m.cursor)
	return m
}

// SetLogger replaces the logger used for resolution warnings.
func (m *Manager) SetLogger(l *log.Logger) {
	if l != nil {
		m.log = l
	}
}

// Add registers a frame from its definition.
func (m *Manager) Add(def Definition) (*Frame, error) {
	if def.ID == transform.WorldFrame {
		return nil, ErrWorldFrame
	}
	if _, exists := m.frames[def.ID]; exists {
		return nil, fmt.Errorf("frame %d: %w", def.ID, ErrDuplicateFrame)
	}
	if def.Width <= 0 || def.Height <= 0 {
		return nil, fmt.Errorf("frame %d: %w", def.ID, ErrEmptyBounds)
	}

	origin := math.Vec2{X: def.X, Y: def.Y}
	f := &Frame{
		ID:     def.ID,
		Name:   def.Name,
		Origin: origin,
		Width:  def.Width,
		Height: def.Height,
		drift:  math.Vec2{X: def.DriftX, Y: def.DriftY},
	}
	if (def.RouteX != 0 || def.RouteY != 0) && def.RouteSeconds > 0 {
		f.route = newRoute(origin, math.Vec2{X: def.RouteX, Y: def.RouteY}, def.RouteSeconds)
	}
	f.object = resolv.NewObject(origin.X, origin.Y, def.Width, def.Height, tagFrame)
	f.object.Data = f
	m.space.Add(f.object)
	m.frames[def.ID] = f
	return f, nil
}

// Load adds every definition, stopping at the first failure.
func (m *Manager) Load(defs []Definition) error {
	for _, def := range defs {
		if _, err := m.Add(def); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Remove(id transform.FrameID) {
	f, ok := m.frames[id]
	if !ok {
		return
	}
	m.space.Remove(f.object)
	delete(m.frames, id)
}

func (m *Manager) Frame(id transform.FrameID) (*Frame, bool) {
	f, ok := m.frames[id]
	return f, ok
}

func (m *Manager) Len() int {
	return len(m.frames)
}

// FrameAt returns the innermost frame containing world. Frames outside the
// managed space cannot be resolved.
func (m *Manager) FrameAt(world math.Vec2) (transform.FrameID, bool) {
	if world == transform.HiddenPos {
		return transform.WorldFrame, false
	}
	m.cursor.X = world.X
	m.cursor.Y = world.Y
	m.cursor.Update()

	check := m.cursor.Check(0, 0, tagFrame)
	if check == nil {
		return transform.WorldFrame, false
	}

	var best *Frame
	for _, obj := range check.ObjectsByTags(tagFrame) {
		f, ok := obj.Data.(*Frame)
		if !ok || !f.contains(world) {
			continue
		}
		if best == nil || f.Width*f.Height < best.Width*best.Height ||
			(f.Width*f.Height == best.Width*best.Height && f.ID < best.ID) {
			best = f
		}
	}
	if best == nil {
		return transform.WorldFrame, false
	}
	return best.ID, true
}

func (m *Manager) FrameOrigin(id transform.FrameID) math.Vec2 {
	if f, ok := m.frames[id]; ok {
		return f.Origin
	}
	return math.Vec2{}
}

func (m *Manager) FrameVelocity(id transform.FrameID) math.Vec2 {
	if f, ok := m.frames[id]; ok {
		return f.velocity
	}
	return math.Vec2{}
}

// Drive sets a constant velocity on a frame, cancelling any patrol route.
func (m *Manager) Drive(id transform.FrameID, velocity math.Vec2) {
	f, ok := m.frames[id]
	if !ok {
		m.log.Printf("[frames] drive: unknown frame %d", id)
		return
	}
	f.route = nil
	f.drift = velocity
}

// Park stops a frame where it is.
func (m *Manager) Park(id transform.FrameID) {
	f, ok := m.frames[id]
	if !ok {
		return
	}
	f.route = nil
	f.drift = math.Vec2{}
	f.velocity = math.Vec2{}
}

// Update advances every moving frame by dt seconds and recomputes velocities.
func (m *Manager) Update(dt float64) {
	if dt <= 0 {
		return
	}
	for _, f := range m.frames {
		prev := f.Origin
		switch {
		case f.route != nil:
			f.Origin = f.route.advance(dt)
		case f.drift != (math.Vec2{}):
			f.Origin = f.Origin.Add(f.drift.MulScalar(dt))
		default:
			f.velocity = math.Vec2{}
			continue
		}
		f.velocity = f.Origin.Sub(prev).MulScalar(1 / dt)
		f.object.X = f.Origin.X
		f.object.Y = f.Origin.Y
		f.object.Update()
	}
}
