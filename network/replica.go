package network

import (
	"fmt"
	"log"
	"time"

	cfg "github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/frames"
	"github.com/automoto/matrixsync/server/core"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/automoto/matrixsync/spatial"
	"github.com/automoto/matrixsync/systems"
	"github.com/automoto/matrixsync/tags"
	"github.com/yohamta/donburi"
)

// Replica is a viewer's copy of the world: its own frames, registry, tow
// bookkeeping and the prediction engine, driven by inbound messages.
type Replica struct {
	world      donburi.World
	frames     *frames.Manager
	registry   *spatial.Registry[transform.EntityID]
	tow        *systems.Tow
	scheduler  *systems.Scheduler
	prediction *Prediction
	log        *log.Logger

	kinds    map[transform.EntityID]string
	local    transform.EntityID
	hasLocal bool
}

// NewReplica builds a replica over fm. A nil fm gets an empty manager.
func NewReplica(fm *frames.Manager, conf cfg.SyncConfig, logger *log.Logger) *Replica {
	if logger == nil {
		logger = log.Default()
	}
	if fm == nil {
		fm = frames.NewManager(conf.WorldWidth, conf.WorldHeight, conf.CellSize)
	}
	r := &Replica{
		world:    donburi.NewWorld(),
		frames:   fm,
		registry: spatial.NewRegistry[transform.EntityID](conf.WorldWidth, conf.WorldHeight, conf.CellSize),
		tow:      systems.NewTow(),
		log:      logger,
		kinds:    make(map[transform.EntityID]string),
	}
	r.scheduler = systems.NewScheduler(conf.FreezeTimeout)
	r.prediction = NewPrediction(r.world, PredictionDeps{
		Frames:   fm,
		Registry: r.registry,
		Pulls:    r.tow,
		Waker:    r.scheduler,
		Logger:   logger,
		Config:   &conf,
	})
	r.scheduler.AddTicker(r.prediction)
	return r
}

// Handle applies one inbound message. Messages must be handled in the order
// the server sent them.
func (r *Replica) Handle(msg any) error {
	switch m := msg.(type) {
	case messages.SpawnEvent:
		id := transform.EntityID(m.EntityID)
		r.kinds[id] = m.Kind
		if r.prediction.Tracked(id) {
			return nil
		}
		if err := r.prediction.Track(id); err != nil {
			return err
		}
		if entry, ok := r.prediction.Table().Entry(id); ok {
			entry.AddComponent(tags.ForKind(m.Kind))
		}
		return nil
	case messages.DespawnEvent:
		id := transform.EntityID(m.EntityID)
		r.tow.ReleasePull(id)
		r.prediction.Forget(id)
		delete(r.kinds, id)
		return nil
	case messages.TransformState:
		id, state := protocol.ToState(m)
		return r.prediction.ApplyIncoming(id, state)
	case []byte:
		state, err := protocol.DecodeState(m)
		if err != nil {
			return err
		}
		return r.Handle(state)
	default:
		return fmt.Errorf("replica: unhandled message %T", msg)
	}
}

// HandleAll applies msgs in order, logging failures. Unknown entities are
// dropped; nothing is retried.
func (r *Replica) HandleAll(msgs []any) {
	for _, msg := range msgs {
		if err := r.Handle(msg); err != nil {
			r.log.Printf("[replica] %v", err)
		}
	}
}

// Step advances frames and every moving entity by dt.
func (r *Replica) Step(dt time.Duration) {
	r.frames.Update(dt.Seconds())
	r.prediction.WakeRiders()
	r.followLocalTow()
	r.scheduler.Update(dt)
	systems.ProcessNotifications(r.world)
}

// followLocalTow drags whatever the local viewer is towing behind its
// predicted position. The server's matching follow updates are ignored.
func (r *Replica) followLocalTow() {
	if !r.hasLocal {
		return
	}
	target, ok := r.tow.Pulled(r.local)
	if !ok {
		return
	}
	at, ok := r.prediction.WorldPosition(r.local)
	if !ok || at == transform.HiddenPos {
		return
	}
	current, ok := r.prediction.WorldPosition(target)
	if !ok || current == transform.HiddenPos {
		return
	}
	dir, dist := transform.Direction(current.Sub(at))
	if dist <= core.TowDistance {
		return
	}
	r.prediction.PredictFollow(target, at.Add(dir.MulScalar(core.TowDistance)))
}

// SetLocalViewer names the entity this viewer controls.
func (r *Replica) SetLocalViewer(id transform.EntityID) {
	r.local = id
	r.hasLocal = true
	r.tow.SetLocalViewer(id)
}

// StartPull records locally that puller tows target, ahead of the server.
func (r *Replica) StartPull(puller, target transform.EntityID) {
	r.tow.Start(puller, target)
}

// ReleasePull ends local tow bookkeeping for id.
func (r *Replica) ReleasePull(id transform.EntityID) {
	r.tow.ReleasePull(id)
}

func (r *Replica) World() donburi.World {
	return r.world
}

func (r *Replica) Prediction() *Prediction {
	return r.prediction
}

func (r *Replica) Frames() *frames.Manager {
	return r.frames
}

func (r *Replica) Scheduler() *systems.Scheduler {
	return r.scheduler
}

// Registry is the client-side spatial lookup of visible entities.
func (r *Replica) Registry() *spatial.Registry[transform.EntityID] {
	return r.registry
}

// Kind returns what the server said id is.
func (r *Replica) Kind(id transform.EntityID) string {
	return r.kinds[id]
}
