package network

import (
	"errors"
	"log"

	"github.com/automoto/matrixsync/components"
	cfg "github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/automoto/matrixsync/systems"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/math"
)

// ErrUnknownEntity is returned for snapshots naming an entity this client
// has not been told about. The snapshot is dropped, not retried.
var ErrUnknownEntity = errors.New("snapshot for unknown entity")

// Waker is implemented by the motion scheduler.
type Waker interface {
	Poke(id transform.EntityID)
	Remove(id transform.EntityID)
}

// PredictionDeps are the collaborators of the prediction engine. Frames and
// Registry are required.
type PredictionDeps struct {
	Frames   transform.FrameResolver
	Registry transform.Registry
	Pulls    transform.PullQuery
	Waker    Waker
	Logger   *log.Logger
	Config   *cfg.SyncConfig
}

// Prediction owns clientState, predictedState and the rendered pose of every
// tracked entity. clientState is only ever written by ApplyIncoming.
type Prediction struct {
	table    *components.Table
	frames   transform.FrameResolver
	registry transform.Registry
	pulls    transform.PullQuery
	waker    Waker
	log      *log.Logger
	cfg      cfg.SyncConfig
}

func NewPrediction(world donburi.World, deps PredictionDeps) *Prediction {
	p := &Prediction{
		table:    components.NewTable(world),
		frames:   deps.Frames,
		registry: deps.Registry,
		pulls:    deps.Pulls,
		waker:    deps.Waker,
		log:      deps.Logger,
		cfg:      cfg.Sync,
	}
	if p.log == nil {
		p.log = log.Default()
	}
	if deps.Config != nil {
		p.cfg = *deps.Config
	}
	return p
}

func (p *Prediction) Table() *components.Table {
	return p.table
}

// Track starts following id. It stays hidden until its first active snapshot.
func (p *Prediction) Track(id transform.EntityID) error {
	entry, err := p.table.Create(id, components.ClientTransform)
	if err != nil {
		return err
	}
	components.ClientTransform.SetValue(entry, components.ClientTransformData{
		Client:    transform.Uninitialized,
		Predicted: transform.Uninitialized,
		Rendered:  components.Pose{FrameID: transform.WorldFrame, Position: transform.HiddenPos},
	})
	return nil
}

// Forget stops following id.
func (p *Prediction) Forget(id transform.EntityID) {
	entry, ok := p.table.Entry(id)
	if !ok {
		return
	}
	if components.ClientTransform.Get(entry).Registered {
		p.registry.Unregister(id)
	}
	if p.waker != nil {
		p.waker.Remove(id)
	}
	p.table.Remove(id)
}

// Tracked reports whether id is known to this client.
func (p *Prediction) Tracked(id transform.EntityID) bool {
	return p.table.Has(id)
}

func (p *Prediction) get(id transform.EntityID) (*components.ClientTransformData, bool) {
	entry, ok := p.table.Entry(id)
	if !ok || !entry.HasComponent(components.ClientTransform) {
		return nil, false
	}
	return components.ClientTransform.Get(entry), true
}

// ApplyIncoming accepts a server snapshot. clientState always takes it;
// predictedState takes it too unless the local viewer is towing id and the
// snapshot is a follow update.
func (p *Prediction) ApplyIncoming(id transform.EntityID, incoming transform.State) error {
	data, ok := p.get(id)
	if !ok {
		p.log.Printf("[prediction] dropping snapshot for unknown entity %d", id)
		return ErrUnknownEntity
	}

	data.Client = incoming
	if p.waker != nil {
		p.waker.Poke(id)
	}
	systems.OnSnapshotApplied.Publish(p.table.World(), systems.SnapshotApplied{ID: id, State: incoming})

	// Ignore "follow updates" if you're pulling it
	if incoming.IsFollowUpdate && p.pulls != nil && p.pulls.IsPulledByLocalViewer(id) {
		return nil
	}

	// Don't lerp (instantly change pos) if active state was changed
	visibilityEdge := data.Predicted.Active() != incoming.Active()
	data.Predicted = incoming
	if visibilityEdge {
		p.snapRendered(data)
	}
	p.syncRegistration(id, data)

	// Spinning entities keep rotating locally
	if incoming.SpinFactor == 0 {
		data.Rendered.Rotation = incoming.SpinRotation
	}
	return nil
}

// Rollback abandons local prediction for id.
func (p *Prediction) Rollback(id transform.EntityID) {
	data, ok := p.get(id)
	if !ok {
		return
	}
	visibilityEdge := data.Predicted.Active() != data.Client.Active()
	data.Predicted = data.Client
	if visibilityEdge {
		p.snapRendered(data)
	}
	p.syncRegistration(id, data)
	if p.waker != nil {
		p.waker.Poke(id)
	}
}

// PredictDisappear hides id locally ahead of the server.
func (p *Prediction) PredictDisappear(id transform.EntityID) {
	data, ok := p.get(id)
	if !ok {
		return
	}
	data.Predicted.Position = transform.HiddenPos
	data.Predicted.Speed = 0
	data.Predicted.Impulse = math.Vec2{}
	p.snapRendered(data)
	p.syncRegistration(id, data)
}

// PredictAppearAt shows id locally at a world position ahead of the server.
func (p *Prediction) PredictAppearAt(id transform.EntityID, world math.Vec2) {
	data, ok := p.get(id)
	if !ok {
		return
	}
	frame, ok := p.frames.FrameAt(world)
	if !ok {
		frame = transform.WorldFrame
	}
	data.Predicted.FrameID = frame
	data.Predicted.SetWorldPosition(p.frames, world)
	p.snapRendered(data)
	p.syncRegistration(id, data)
	if p.waker != nil {
		p.waker.Poke(id)
	}
}

// PredictFollow drags id to a world position ahead of the server, as a tow
// does. Rotation is kept and the rendered pose eases over instead of
// snapping.
func (p *Prediction) PredictFollow(id transform.EntityID, world math.Vec2) {
	data, ok := p.get(id)
	if !ok || !data.Predicted.Active() || world == transform.HiddenPos {
		return
	}
	frame, ok := p.frames.FrameAt(world)
	if !ok {
		frame = transform.WorldFrame
	}
	data.Predicted.FrameID = frame
	data.Predicted.SetWorldPosition(p.frames, world)
	p.syncRegistration(id, data)
	if p.waker != nil {
		p.waker.Poke(id)
	}
}

// WakeRiders pokes every visible entity standing in a moving frame so its
// registration follows the frame.
func (p *Prediction) WakeRiders() {
	if p.waker == nil {
		return
	}
	components.ClientTransform.Each(p.table.World(), func(entry *donburi.Entry) {
		data := components.ClientTransform.Get(entry)
		if !data.Predicted.Active() || data.Predicted.FrameID == transform.WorldFrame {
			return
		}
		if p.frames.FrameVelocity(data.Predicted.FrameID) != (math.Vec2{}) {
			p.waker.Poke(components.Identity.Get(entry).ID)
		}
	})
}

// WorldPosition derives id's predicted world position.
func (p *Prediction) WorldPosition(id transform.EntityID) (math.Vec2, bool) {
	s, ok := p.PredictedState(id)
	if !ok {
		return transform.HiddenPos, false
	}
	return s.WorldPosition(p.frames), true
}

// Tick advances predictedState and eases the rendered pose toward it. It
// never touches clientState.
func (p *Prediction) Tick(id transform.EntityID, dt float64) bool {
	data, ok := p.get(id)
	if !ok || !data.Predicted.Active() {
		return false
	}

	changed := false
	pred := &data.Predicted

	if pred.IsFloating() {
		pred.Position = pred.Position.Add(pred.Impulse.MulScalar(pred.Speed * dt))
		pred.Speed -= p.cfg.FloatDrag * dt
		if pred.Speed <= p.cfg.StopSpeed {
			pred.Speed = 0
			pred.Impulse = math.Vec2{}
		}
		changed = true
	}

	if data.Rendered.FrameID != pred.FrameID {
		p.retagRendered(data, pred.FrameID)
	}
	if data.Rendered.Position != pred.Position {
		rate := pred.Speed
		if rate < p.cfg.LerpSpeed {
			rate = p.cfg.LerpSpeed
		}
		data.Rendered.Position = transform.MoveTowards(data.Rendered.Position, pred.Position, rate*dt)
		changed = true
	}

	if pred.SpinFactor != 0 {
		pred.SpinRotation = transform.NormalizeDegrees(pred.SpinRotation + pred.SpinFactor*dt)
		data.Rendered.Rotation = transform.NormalizeDegrees(data.Rendered.Rotation + pred.SpinFactor*dt)
		changed = true
	}

	if p.syncRegistration(id, data) {
		changed = true
	}
	return changed
}

func (p *Prediction) snapRendered(data *components.ClientTransformData) {
	data.Rendered = components.Pose{
		FrameID:  data.Predicted.FrameID,
		Position: data.Predicted.Position,
		Rotation: data.Predicted.SpinRotation,
	}
}

// retagRendered moves the rendered pose into frame without changing where
// it appears in the world.
func (p *Prediction) retagRendered(data *components.ClientTransformData, frame transform.FrameID) {
	if data.Rendered.Position == transform.HiddenPos {
		data.Rendered.FrameID = frame
		return
	}
	s := transform.State{FrameID: data.Rendered.FrameID, Position: data.Rendered.Position}
	s.Retag(p.frames, frame)
	data.Rendered.FrameID = frame
	data.Rendered.Position = s.Position
}

// syncRegistration keeps the client-side spatial lookup in step with
// predictedState, re-registering once per world tile.
func (p *Prediction) syncRegistration(id transform.EntityID, data *components.ClientTransformData) bool {
	if !data.Predicted.Active() {
		if !data.Registered {
			return false
		}
		p.registry.Unregister(id)
		data.Registered = false
		systems.OnVisibilityChanged.Publish(p.table.World(), systems.VisibilityChanged{ID: id, Active: false})
		return true
	}

	world := data.Predicted.WorldPosition(p.frames)
	tile := transform.TileOf(world)
	if data.Registered && tile == data.Tile {
		return false
	}
	p.registry.Register(id, world)
	data.Tile = tile
	if !data.Registered {
		data.Registered = true
		systems.OnVisibilityChanged.Publish(p.table.World(), systems.VisibilityChanged{ID: id, Active: true})
	}
	systems.OnTileReached.Publish(p.table.World(), systems.TileReached{ID: id, Tile: tile})
	return true
}

// ClientState returns the last snapshot accepted for id.
func (p *Prediction) ClientState(id transform.EntityID) (transform.State, bool) {
	data, ok := p.get(id)
	if !ok {
		return transform.Uninitialized, false
	}
	return data.Client, true
}

// PredictedState returns the locally advanced state of id.
func (p *Prediction) PredictedState(id transform.EntityID) (transform.State, bool) {
	data, ok := p.get(id)
	if !ok {
		return transform.Uninitialized, false
	}
	return data.Predicted, true
}

// Rendered returns the pose to draw id with.
func (p *Prediction) Rendered(id transform.EntityID) (components.Pose, bool) {
	data, ok := p.get(id)
	if !ok {
		return components.Pose{}, false
	}
	return data.Rendered, true
}

// ClientPosition is the predicted world tile of id.
func (p *Prediction) ClientPosition(id transform.EntityID) transform.Tile {
	s, _ := p.PredictedState(id)
	return transform.TileOf(s.WorldPosition(p.frames))
}

// TrustedPosition is the world tile of the last server snapshot for id.
func (p *Prediction) TrustedPosition(id transform.EntityID) transform.Tile {
	s, _ := p.ClientState(id)
	return transform.TileOf(s.WorldPosition(p.frames))
}

// TrustedLocalPosition is the frame-local tile of the last server snapshot.
func (p *Prediction) TrustedLocalPosition(id transform.EntityID) transform.Tile {
	s, _ := p.ClientState(id)
	return transform.TileOf(s.Position)
}
