package core

import (
	"log"

	"github.com/automoto/matrixsync/components"
	cfg "github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/automoto/matrixsync/systems"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/math"
)

// ViewerID identifies a connected viewer session.
type ViewerID string

// Transport delivers snapshots to viewers. Implementations must preserve the
// order of messages for any one entity.
type Transport interface {
	Broadcast(msg messages.TransformState)
	SendTo(viewer ViewerID, msg messages.TransformState)
	SendNearby(world math.Vec2, radius float64, msg messages.TransformState)
}

// Waker is the part of the motion scheduler the engines drive.
type Waker interface {
	Poke(id transform.EntityID)
	Remove(id transform.EntityID)
}

// PullTracker is the server's view of tow relationships.
type PullTracker interface {
	transform.PullBreaker
	IsPulled(id transform.EntityID) bool
}

// AuthorityDeps are the collaborators of the authority engine. Frames and
// Registry are required; the rest may be nil.
type AuthorityDeps struct {
	Frames    transform.FrameResolver
	Registry  transform.Registry
	Pulls     PullTracker
	Transport Transport
	Waker     Waker
	Logger    *log.Logger
	Config    *cfg.SyncConfig
}

// Authority owns serverState and serverLerpState for every entity in its
// table. All methods must be called from the simulation goroutine.
type Authority struct {
	table     *components.Table
	frames    transform.FrameResolver
	registry  transform.Registry
	pulls     PullTracker
	transport Transport
	waker     Waker
	log       *log.Logger
	cfg       cfg.SyncConfig
}

func NewAuthority(world donburi.World, deps AuthorityDeps) *Authority {
	a := &Authority{
		table:     components.NewTable(world),
		frames:    deps.Frames,
		registry:  deps.Registry,
		pulls:     deps.Pulls,
		transport: deps.Transport,
		waker:     deps.Waker,
		log:       deps.Logger,
		cfg:       cfg.Sync,
	}
	if a.log == nil {
		a.log = log.Default()
	}
	if deps.Config != nil {
		a.cfg = *deps.Config
	}
	return a
}

// Table exposes the authority's state table.
func (a *Authority) Table() *components.Table {
	return a.table
}

// SetTransport swaps the snapshot transport.
func (a *Authority) SetTransport(t Transport) {
	a.transport = t
}

// PlaceOption tunes SetPosition.
type PlaceOption func(*placement)

type placement struct {
	notify       bool
	keepRotation bool
}

// KeepRotation preserves the current facing instead of resetting it.
func KeepRotation() PlaceOption {
	return func(p *placement) { p.keepRotation = true }
}

// Silent suppresses the snapshot broadcast.
func Silent() PlaceOption {
	return func(p *placement) { p.notify = false }
}

func (a *Authority) lookup(id transform.EntityID, op string) (*components.ServerTransformData, bool) {
	entry, ok := a.table.Entry(id)
	if !ok || !entry.HasComponent(components.ServerTransform) {
		a.log.Printf("[authority] %s: unknown entity %d", op, id)
		return nil, false
	}
	return components.ServerTransform.Get(entry), true
}

func (a *Authority) poke(id transform.EntityID) {
	if a.waker != nil {
		a.waker.Poke(id)
	}
}

// resolve finds the frame for a placement, falling back to the world frame.
func (a *Authority) resolve(id transform.EntityID, world math.Vec2) transform.FrameID {
	frame, ok := a.frames.FrameAt(world)
	if !ok {
		a.log.Printf("[authority] entity %d: no frame at (%.2f,%.2f), using world frame", id, world.X, world.Y)
		return transform.WorldFrame
	}
	return frame
}

// Spawn adds id to the table and initialises its server state. Spawning at
// HiddenPos leaves the entity uninitialized and hidden until placed. A
// non-zero parent wins over spatial containment.
func (a *Authority) Spawn(id transform.EntityID, world math.Vec2, parent transform.FrameID) error {
	entry, err := a.table.Create(id, components.ServerTransform)
	if err != nil {
		return err
	}
	components.ServerTransform.SetValue(entry, components.ServerTransformData{
		Server:    transform.Uninitialized,
		Lerp:      transform.Uninitialized,
		LastShown: transform.HiddenPos,
	})
	a.initServerState(id, components.ServerTransform.Get(entry), world, parent)
	return nil
}

func (a *Authority) initServerState(id transform.EntityID, data *components.ServerTransformData, world math.Vec2, parent transform.FrameID) {
	if world == transform.HiddenPos {
		return
	}

	// Fresh placements start at rest
	data.Server.Speed = 0
	data.Server.SpinFactor = 0
	data.Server.Impulse = math.Vec2{}

	if parent != transform.WorldFrame {
		data.Server.FrameID = parent
	} else {
		data.Server.FrameID = a.resolve(id, world)
	}
	data.Server.SetWorldPosition(a.frames, world)
	data.Lerp = data.Server
	data.Tile = transform.TileOf(data.Server.Position)

	a.syncRegistration(id, data)
	a.poke(id)
	a.NotifyPlayers(id)
}

// SetPosition places id at a world position, re-resolving its frame.
// Placement never fails: unknown frames fall back to the world frame.
func (a *Authority) SetPosition(id transform.EntityID, world math.Vec2, opts ...PlaceOption) {
	data, ok := a.lookup(id, "set position")
	if !ok {
		return
	}
	p := placement{notify: true}
	for _, opt := range opts {
		opt(&p)
	}
	a.place(id, data, world, p)
}

func (a *Authority) place(id transform.EntityID, data *components.ServerTransformData, world math.Vec2, p placement) {
	if world == transform.HiddenPos && a.pulls != nil {
		a.pulls.ReleasePull(id)
	}
	a.poke(id)

	wasActive := data.Lerp.Active()
	if world == transform.HiddenPos {
		data.Server.Position = transform.HiddenPos
	} else {
		data.Server.FrameID = a.resolve(id, world)
		data.Server.SetWorldPosition(a.frames, world)
	}
	if !p.keepRotation {
		data.Server.SpinRotation = 0
	}
	if p.notify {
		a.NotifyPlayers(id)
	}

	// Don't lerp (instantly change pos) if active state was changed
	if data.Server.Speed > 0 && wasActive && data.Server.Active() {
		data.Lerp.Retag(a.frames, data.Server.FrameID)
	} else {
		data.Lerp = data.Server
	}
	data.Tile = transform.TileOf(data.Server.Position)
	a.syncRegistration(id, data)
}

// AppearAt makes id appear at a world position and registers it.
func (a *Authority) AppearAt(id transform.EntityID, world math.Vec2) {
	data, ok := a.lookup(id, "appear")
	if !ok {
		return
	}
	a.place(id, data, world, placement{notify: true})
	a.syncRegistration(id, data)
}

// Disappear hides id, ending pulls and unregistering it.
func (a *Authority) Disappear(id transform.EntityID) {
	data, ok := a.lookup(id, "disappear")
	if !ok {
		return
	}
	if a.pulls != nil {
		a.pulls.ReleasePull(id)
	}
	if data.Server.IsFloating() {
		a.stop(id, data, false)
	}

	data.Server.Position = transform.HiddenPos
	data.Lerp.Position = transform.HiddenPos

	a.NotifyPlayers(id)
	a.syncRegistration(id, data)
}

// SetVisible shows id at its last known position or hides it.
func (a *Authority) SetVisible(id transform.EntityID, visible bool) {
	if !visible {
		a.Disappear(id)
		return
	}
	data, ok := a.lookup(id, "set visible")
	if !ok {
		return
	}
	if data.LastShown == transform.HiddenPos {
		a.log.Printf("[authority] entity %d: never shown, cannot restore position", id)
		return
	}
	a.AppearAt(id, data.LastShown)
}

// SetFixedFrame pins id to its current frame; frame checks skip it.
func (a *Authority) SetFixedFrame(id transform.EntityID, fixed bool) {
	if data, ok := a.lookup(id, "fix frame"); ok {
		data.FixedFrame = fixed
	}
}

// CheckFrameSwitch re-parents id when its world position has left its frame.
// If the frame it is leaving is itself moving, the entity is pushed along
// with that frame's velocity instead and the switch is abandoned.
func (a *Authority) CheckFrameSwitch(id transform.EntityID, notify bool) {
	data, ok := a.lookup(id, "frame switch")
	if !ok {
		return
	}
	a.checkFrameSwitch(id, data, notify)
}

func (a *Authority) checkFrameSwitch(id transform.EntityID, data *components.ServerTransformData, notify bool) {
	if data.FixedFrame {
		return
	}
	if data.Server.IsUninitialized() {
		a.log.Printf("[authority] entity %d: frame check before placement ignored", id)
		return
	}
	if !data.Server.Active() {
		return
	}

	world := data.Server.WorldPosition(a.frames)
	newFrame, _ := a.frames.FrameAt(world)
	oldFrame := data.Server.FrameID
	if newFrame == oldFrame {
		return
	}

	if velocity := a.frames.FrameVelocity(oldFrame); velocity != (math.Vec2{}) {
		dir, speed := transform.Direction(velocity)
		a.push(id, data, dir, speed)
		a.log.Printf("[authority] entity %d inertia pushed while attempting frame switch %d->%d", id, oldFrame, newFrame)
		return
	}

	// World position must survive the switch exactly
	data.Server.Retag(a.frames, newFrame)
	data.Lerp.Retag(a.frames, newFrame)
	data.Tile = transform.TileOf(data.Server.Position)

	systems.OnFrameSwitch.Publish(a.table.World(), systems.FrameSwitched{
		ID:       id,
		OldFrame: oldFrame,
		NewFrame: newFrame,
	})
	if notify {
		a.NotifyPlayers(id)
	}
}

// Push starts floating motion of id along dir (frame-local) at speed.
func (a *Authority) Push(id transform.EntityID, dir math.Vec2, speed float64) bool {
	data, ok := a.lookup(id, "push")
	if !ok {
		return false
	}
	return a.push(id, data, dir, speed)
}

func (a *Authority) push(id transform.EntityID, data *components.ServerTransformData, dir math.Vec2, speed float64) bool {
	if !data.Server.Active() || speed <= 0 {
		return false
	}
	unit, length := transform.Direction(dir)
	if length == 0 {
		return false
	}
	data.Server.Impulse = unit
	data.Server.Speed = speed
	a.poke(id)
	a.NotifyPlayers(id)
	return true
}

// Stop ends floating motion.
func (a *Authority) Stop(id transform.EntityID, notify bool) {
	if data, ok := a.lookup(id, "stop"); ok {
		a.stop(id, data, notify)
	}
}

func (a *Authority) stop(id transform.EntityID, data *components.ServerTransformData, notify bool) {
	data.Server.Speed = 0
	data.Server.Impulse = math.Vec2{}
	data.Lerp.Speed = 0
	data.Lerp.Impulse = math.Vec2{}
	if notify {
		a.NotifyPlayers(id)
	}
}

// SetRotation sets facing and spin rate. Non-spinning entities snap their
// lerp rotation on the next tick.
func (a *Authority) SetRotation(id transform.EntityID, degrees, spinFactor float64) {
	data, ok := a.lookup(id, "rotate")
	if !ok || !data.Server.Active() {
		return
	}
	data.Server.SpinRotation = transform.NormalizeDegrees(degrees)
	data.Server.SpinFactor = spinFactor
	a.poke(id)
	a.NotifyPlayers(id)
}

// Follow moves a towed entity to a world position. The snapshot is flagged
// as a follow update so the towing client keeps its own prediction.
func (a *Authority) Follow(id transform.EntityID, world math.Vec2) {
	data, ok := a.lookup(id, "follow")
	if !ok {
		return
	}
	if !data.Server.Active() || world == transform.HiddenPos {
		return
	}
	a.poke(id)
	prevFrame := data.Server.FrameID
	data.Server.FrameID = a.resolve(id, world)
	data.Server.SetWorldPosition(a.frames, world)
	if data.Server.FrameID != prevFrame {
		data.Lerp.Retag(a.frames, data.Server.FrameID)
	}

	data.Server.IsFollowUpdate = true
	a.NotifyPlayers(id)
	data.Server.IsFollowUpdate = false
}

// Tick advances id by dt seconds. It reports whether anything observable
// changed so the scheduler can freeze idle entities.
func (a *Authority) Tick(id transform.EntityID, dt float64) bool {
	entry, ok := a.table.Entry(id)
	if !ok || !entry.HasComponent(components.ServerTransform) {
		return false
	}
	data := components.ServerTransform.Get(entry)
	if !data.Server.Active() {
		return false
	}

	changed := false

	if data.Server.IsFloating() {
		data.Server.Position = data.Server.Position.Add(data.Server.Impulse.MulScalar(data.Server.Speed * dt))
		data.Server.Speed -= a.cfg.FloatDrag * dt
		if data.Server.Speed <= a.cfg.StopSpeed {
			a.stop(id, data, true)
		}
		changed = true
	}

	if data.Lerp.FrameID != data.Server.FrameID {
		data.Lerp.Retag(a.frames, data.Server.FrameID)
	}
	if data.Lerp.Position != data.Server.Position {
		if !data.Lerp.Active() {
			data.Lerp.Position = data.Server.Position
		} else {
			rate := data.Server.Speed
			if rate < a.cfg.LerpSpeed {
				rate = a.cfg.LerpSpeed
			}
			data.Lerp.Position = transform.MoveTowards(data.Lerp.Position, data.Server.Position, rate*dt)
		}
		changed = true
	}

	data.Lerp.Speed = data.Server.Speed
	data.Lerp.Impulse = data.Server.Impulse
	data.Lerp.SpinFactor = data.Server.SpinFactor
	if data.Server.SpinFactor != 0 {
		data.Lerp.SpinRotation = transform.NormalizeDegrees(data.Lerp.SpinRotation + data.Server.SpinFactor*dt)
		changed = true
	} else if data.Lerp.SpinRotation != data.Server.SpinRotation {
		data.Lerp.SpinRotation = data.Server.SpinRotation
		changed = true
	}

	// Checking if we should change frame once per tile
	if transform.TileOf(data.Server.Position) != data.Tile {
		a.checkFrameSwitch(id, data, true)
		data.Tile = transform.TileOf(data.Server.Position)
		changed = true
	}
	if a.syncRegistration(id, data) {
		changed = true
	}

	return changed
}

// syncRegistration makes the registry agree with the active flag and
// reports whether it had to change anything.
func (a *Authority) syncRegistration(id transform.EntityID, data *components.ServerTransformData) bool {
	if !data.Server.Active() {
		if !data.Registered {
			return false
		}
		a.registry.Unregister(id)
		data.Registered = false
		systems.OnVisibilityChanged.Publish(a.table.World(), systems.VisibilityChanged{ID: id, Active: false})
		return true
	}

	world := data.Server.WorldPosition(a.frames)
	tile := transform.TileOf(world)
	data.LastShown = world
	if data.Registered && tile == data.WorldTile {
		return false
	}
	a.registry.Register(id, world)
	data.WorldTile = tile
	if !data.Registered {
		data.Registered = true
		systems.OnVisibilityChanged.Publish(a.table.World(), systems.VisibilityChanged{ID: id, Active: true})
	}
	systems.OnTileReached.Publish(a.table.World(), systems.TileReached{ID: id, Tile: tile})
	return true
}

// NotifyPlayers sends id's serverState to every viewer, or to nearby
// viewers only when configured.
func (a *Authority) NotifyPlayers(id transform.EntityID) {
	if a.transport == nil {
		return
	}
	data, ok := a.lookup(id, "notify")
	if !ok {
		return
	}
	msg := protocol.FromState(id, data.Server)
	if a.cfg.Broadcast == cfg.BroadcastNearby {
		at := data.LastShown
		if data.Server.Active() {
			at = data.Server.WorldPosition(a.frames)
		}
		if at != transform.HiddenPos {
			a.transport.SendNearby(at, a.cfg.NearbyRadius, msg)
			return
		}
	}
	a.transport.Broadcast(msg)
}

// NotifyPlayer tells one viewer about id. Used to sync a viewer that just joined.
func (a *Authority) NotifyPlayer(id transform.EntityID, viewer ViewerID) {
	if a.transport == nil {
		return
	}
	data, ok := a.lookup(id, "notify player")
	if !ok {
		return
	}
	a.transport.SendTo(viewer, protocol.FromState(id, data.Server))
}

// SyncViewer sends every placed entity to viewer.
func (a *Authority) SyncViewer(viewer ViewerID) {
	for _, id := range a.table.IDs() {
		entry, ok := a.table.Entry(id)
		if !ok || !entry.HasComponent(components.ServerTransform) {
			continue
		}
		if components.ServerTransform.Get(entry).Server.IsUninitialized() {
			continue
		}
		a.NotifyPlayer(id, viewer)
	}
}

// WakeRiders pokes every entity standing in a moving frame so its
// registration follows the frame.
func (a *Authority) WakeRiders() {
	components.ServerTransform.Each(a.table.World(), func(entry *donburi.Entry) {
		data := components.ServerTransform.Get(entry)
		if !data.Server.Active() || data.Server.FrameID == transform.WorldFrame {
			return
		}
		if a.frames.FrameVelocity(data.Server.FrameID) != (math.Vec2{}) {
			a.poke(components.Identity.Get(entry).ID)
		}
	})
}

// Destroy removes id and everything that refers to it.
func (a *Authority) Destroy(id transform.EntityID) {
	entry, ok := a.table.Entry(id)
	if !ok {
		return
	}
	if entry.HasComponent(components.ServerTransform) && components.ServerTransform.Get(entry).Registered {
		a.registry.Unregister(id)
	}
	if a.pulls != nil {
		a.pulls.ReleasePull(id)
	}
	if a.waker != nil {
		a.waker.Remove(id)
	}
	a.table.Remove(id)
}

// ServerState returns the authoritative state of id.
func (a *Authority) ServerState(id transform.EntityID) (transform.State, bool) {
	entry, ok := a.table.Entry(id)
	if !ok || !entry.HasComponent(components.ServerTransform) {
		return transform.Uninitialized, false
	}
	return components.ServerTransform.Get(entry).Server, true
}

// LerpState returns the interpolated state server-side consumers see.
func (a *Authority) LerpState(id transform.EntityID) (transform.State, bool) {
	entry, ok := a.table.Entry(id)
	if !ok || !entry.HasComponent(components.ServerTransform) {
		return transform.Uninitialized, false
	}
	return components.ServerTransform.Get(entry).Lerp, true
}

// WorldPosition derives id's authoritative world position.
func (a *Authority) WorldPosition(id transform.EntityID) (math.Vec2, bool) {
	s, ok := a.ServerState(id)
	if !ok {
		return transform.HiddenPos, false
	}
	return s.WorldPosition(a.frames), true
}

// ServerPosition is the authoritative world tile of id.
func (a *Authority) ServerPosition(id transform.EntityID) transform.Tile {
	world, _ := a.WorldPosition(id)
	return transform.TileOf(world)
}

// ServerLocalPosition is the authoritative tile of id within its frame.
func (a *Authority) ServerLocalPosition(id transform.EntityID) transform.Tile {
	s, _ := a.ServerState(id)
	return transform.TileOf(s.Position)
}
