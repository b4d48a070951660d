package core

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/automoto/matrixsync/components"
	cfg "github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/frames"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/netcomponents"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/automoto/matrixsync/spatial"
	"github.com/automoto/matrixsync/systems"
	"github.com/automoto/matrixsync/tags"
	"github.com/google/uuid"
	"github.com/leap-fish/necs/esync/srvsync"
	"github.com/leap-fish/necs/router"
	"github.com/leap-fish/necs/transports"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/math"
	"github.com/yohamta/donburi/filter"
)

// TowDistance is how far behind its puller a towed entity trails, in tiles.
const TowDistance = 1.0

// ErrNoEntity is returned when an operation names an entity the world does
// not hold.
var ErrNoEntity = errors.New("no such entity")

// Sender is the outbound half of a viewer connection.
// *router.NetworkClient satisfies it.
type Sender interface {
	SendMessage(msg any) error
}

type session struct {
	id     ViewerID
	peer   Sender
	name   string
	entity transform.EntityID
	joined bool
}

// Options configures a Server.
type Options struct {
	Name    string
	Version string // required client version; empty accepts any
	Layout  string // layout name handed to viewers
	Spawn   math.Vec2
	Config  *cfg.SyncConfig
	Logger  *log.Logger
}

// Server hosts one synchronized world over necs websockets.
type Server struct {
	world     donburi.World
	loop      *GameLoop
	transport *transports.WsServerTransport
	log       *log.Logger
	cfg       cfg.SyncConfig
	opts      Options

	frames    *frames.Manager
	registry  *spatial.Registry[transform.EntityID]
	viewers   *spatial.Registry[ViewerID]
	scheduler *systems.Scheduler
	tow       *systems.Tow
	auth      *Authority

	kinds  map[transform.EntityID]string
	nextID transform.EntityID

	// Router callbacks run on necs goroutines; they only queue commands.
	commands chan func()

	mu       sync.RWMutex
	sessions map[ViewerID]*session
	byClient map[*router.NetworkClient]ViewerID
}

// NewServer builds the world, its engines, and the frame manager.
func NewServer(fm *frames.Manager, opts Options) *Server {
	conf := cfg.Sync
	if opts.Config != nil {
		conf = *opts.Config
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if fm == nil {
		fm = frames.NewManager(conf.WorldWidth, conf.WorldHeight, conf.CellSize)
	}

	world := donburi.NewWorld()
	s := &Server{
		world:    world,
		log:      logger,
		cfg:      conf,
		opts:     opts,
		frames:   fm,
		registry: spatial.NewRegistry[transform.EntityID](conf.WorldWidth, conf.WorldHeight, conf.CellSize),
		viewers:  spatial.NewRegistry[ViewerID](conf.WorldWidth, conf.WorldHeight, conf.CellSize),
		tow:      systems.NewTow(),
		kinds:    make(map[transform.EntityID]string),
		nextID:   1,
		commands: make(chan func(), 1024),
		sessions: make(map[ViewerID]*session),
		byClient: make(map[*router.NetworkClient]ViewerID),
	}
	s.scheduler = systems.NewScheduler(conf.FreezeTimeout)
	s.auth = NewAuthority(world, AuthorityDeps{
		Frames:    fm,
		Registry:  s.registry,
		Pulls:     s.tow,
		Transport: s,
		Waker:     s.scheduler,
		Logger:    logger,
		Config:    &conf,
	})
	s.scheduler.AddTicker(s.auth)
	s.loop = NewGameLoop(s, conf.TickRate)

	systems.OnFrameSwitch.Subscribe(world, func(_ donburi.World, e systems.FrameSwitched) {
		s.log.Printf("[server] entity %d switched frame %d -> %d", e.ID, e.OldFrame, e.NewFrame)
	})

	if conf.ResyncEvery > 0 {
		srvsync.UseEsync(world)
	}
	return s
}

// Start runs the game loop and serves websockets on port. It blocks.
func (s *Server) Start(port uint) error {
	s.setupRouterCallbacks()
	go s.loop.Run()

	s.transport = transports.NewWsServerTransport(port, "", nil)
	return s.transport.Start()
}

// Stop gracefully shuts down the game loop
func (s *Server) Stop() {
	s.loop.Stop()
}

func (s *Server) setupRouterCallbacks() {
	router.OnConnect(func(client *router.NetworkClient) {
		s.log.Printf("[server] client connected: %s", client.Id())
	})

	router.OnDisconnect(func(client *router.NetworkClient, err error) {
		if err != nil {
			s.log.Printf("[server] client %s disconnected with error: %v", client.Id(), err)
		} else {
			s.log.Printf("[server] client %s disconnected", client.Id())
		}
		s.mu.Lock()
		vid, ok := s.byClient[client]
		delete(s.byClient, client)
		s.mu.Unlock()
		if ok {
			s.Enqueue(func() { s.leave(vid) })
		}
	})

	router.On(func(client *router.NetworkClient, req messages.JoinRequest) {
		if _, joined := s.viewerOf(client); joined {
			return
		}
		vid := s.Attach(client)
		s.mu.Lock()
		s.byClient[client] = vid
		s.mu.Unlock()
		s.Enqueue(func() { s.join(vid, req) })
	})

	router.On(func(client *router.NetworkClient, msg messages.ViewerUpdate) {
		if vid, ok := s.viewerOf(client); ok {
			s.Enqueue(func() { s.HandleViewerUpdate(vid, msg) })
		}
	})

	router.On(func(client *router.NetworkClient, msg messages.MoveRequest) {
		if vid, ok := s.viewerOf(client); ok {
			s.Enqueue(func() { s.HandleMove(vid, msg) })
		}
	})

	router.On(func(client *router.NetworkClient, msg messages.PullRequest) {
		if vid, ok := s.viewerOf(client); ok {
			s.Enqueue(func() { s.HandlePull(vid, msg) })
		}
	})

	router.OnError(func(client *router.NetworkClient, err error) {
		s.log.Printf("[server] client error: %v", err)
	})
}

func (s *Server) viewerOf(client *router.NetworkClient) (ViewerID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vid, ok := s.byClient[client]
	return vid, ok
}

// Enqueue schedules fn on the simulation goroutine. It blocks while the
// queue is full so commands from one connection keep their order.
func (s *Server) Enqueue(fn func()) {
	s.commands <- fn
}

// ProcessCommands runs every queued command. Called once per tick.
func (s *Server) ProcessCommands() {
	for {
		select {
		case fn := <-s.commands:
			fn()
		default:
			return
		}
	}
}

// Attach registers a connection and returns its new session id. The viewer
// receives nothing until its join is processed.
func (s *Server) Attach(peer Sender) ViewerID {
	vid := ViewerID(uuid.NewString())
	s.mu.Lock()
	s.sessions[vid] = &session{id: vid, peer: peer}
	s.mu.Unlock()
	return vid
}

func (s *Server) session(vid ViewerID) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[vid]
	return sess, ok
}

func (s *Server) join(vid ViewerID, req messages.JoinRequest) {
	sess, ok := s.session(vid)
	if !ok {
		return
	}
	if s.opts.Version != "" && req.Version != s.opts.Version {
		s.log.Printf("[server] rejecting %s: version %q, want %q", vid, req.Version, s.opts.Version)
		s.send(sess, messages.JoinRejected{
			Reason: fmt.Sprintf("version mismatch: server requires %s", s.opts.Version),
		})
		return
	}

	// Late joiners learn about everything that already exists first.
	for _, id := range s.auth.Table().IDs() {
		s.send(sess, messages.SpawnEvent{EntityID: uint32(id), Kind: s.kinds[id]})
	}
	s.auth.SyncViewer(vid)

	id, err := s.SpawnObject(tags.KindViewer, s.opts.Spawn)
	if err != nil {
		s.log.Printf("[server] spawn for %s failed: %v", vid, err)
		s.send(sess, messages.JoinRejected{Reason: "spawn failed"})
		return
	}

	s.send(sess, messages.JoinAccepted{
		SessionID:  string(vid),
		EntityID:   uint32(id),
		ServerName: s.opts.Name,
		TickRate:   s.cfg.TickRate,
		Layout:     s.opts.Layout,
	})
	s.send(sess, messages.SpawnEvent{EntityID: uint32(id), Kind: tags.KindViewer})
	s.auth.NotifyPlayer(id, vid)

	s.mu.Lock()
	sess.name = req.ViewerName
	sess.entity = id
	sess.joined = true
	s.mu.Unlock()
	s.viewers.Register(vid, s.opts.Spawn)
	s.log.Printf("[server] %s joined as %q controlling entity %d", vid, req.ViewerName, id)
}

func (s *Server) leave(vid ViewerID) {
	s.mu.Lock()
	sess, ok := s.sessions[vid]
	delete(s.sessions, vid)
	s.mu.Unlock()
	s.viewers.Unregister(vid)
	if !ok || !sess.joined {
		return
	}
	s.DestroyObject(sess.entity)
	s.log.Printf("[server] %s left, entity %d removed", vid, sess.entity)
}

// SpawnObject creates a synchronized entity at a world position and tells
// every joined viewer about it.
func (s *Server) SpawnObject(kind string, at math.Vec2) (transform.EntityID, error) {
	id := s.nextID
	s.nextID++

	// Viewers must be able to Track the id before its first snapshot.
	s.broadcastMessage(messages.SpawnEvent{EntityID: uint32(id), Kind: kind})
	if err := s.auth.Spawn(id, at, transform.WorldFrame); err != nil {
		return 0, err
	}
	s.kinds[id] = kind
	if entry, ok := s.auth.Table().Entry(id); ok {
		entry.AddComponent(tags.ForKind(kind))
	}

	if s.cfg.ResyncEvery > 0 {
		if err := s.networkSync(id); err != nil {
			s.log.Printf("[server] failed to set up network sync for %d: %v", id, err)
		}
	}
	return id, nil
}

func (s *Server) networkSync(id transform.EntityID) error {
	entry, ok := s.auth.Table().Entry(id)
	if !ok {
		return fmt.Errorf("entity %d: %w", id, ErrNoEntity)
	}
	entry.AddComponent(netcomponents.NetTransform)
	entity := entry.Entity()
	return srvsync.NetworkSync(s.world, &entity, netcomponents.NetTransform)
}

// DestroyObject removes an entity and tells viewers.
func (s *Server) DestroyObject(id transform.EntityID) {
	if !s.auth.Table().Has(id) {
		return
	}
	s.auth.Destroy(id)
	delete(s.kinds, id)
	s.broadcastMessage(messages.DespawnEvent{EntityID: uint32(id)})
}

// HandleViewerUpdate moves the viewer's point of interest.
func (s *Server) HandleViewerUpdate(vid ViewerID, msg messages.ViewerUpdate) {
	if _, ok := s.session(vid); !ok {
		return
	}
	s.viewers.Register(vid, math.Vec2{X: msg.X, Y: msg.Y})
}

// HandleMove places the viewer's own entity.
func (s *Server) HandleMove(vid ViewerID, msg messages.MoveRequest) {
	sess, ok := s.session(vid)
	if !ok || !sess.joined {
		return
	}
	s.auth.SetPosition(sess.entity, math.Vec2{X: msg.X, Y: msg.Y}, KeepRotation())
}

// HandlePull starts or ends a tow of another entity by the viewer's entity.
func (s *Server) HandlePull(vid ViewerID, msg messages.PullRequest) {
	sess, ok := s.session(vid)
	if !ok || !sess.joined {
		return
	}
	if msg.Release {
		s.tow.ReleasePull(sess.entity)
		return
	}
	target := transform.EntityID(msg.TargetEntityID)
	if target == sess.entity || !s.auth.Table().Has(target) {
		s.log.Printf("[server] %s: cannot pull entity %d", vid, target)
		return
	}
	s.tow.Start(sess.entity, target)
}

// followPulls drags every towed entity behind its puller.
func (s *Server) followPulls() {
	for _, id := range s.auth.Table().IDs() {
		puller, ok := s.tow.Puller(id)
		if !ok {
			continue
		}
		at, ok := s.auth.WorldPosition(puller)
		if !ok || at == transform.HiddenPos {
			s.tow.ReleasePull(id)
			continue
		}
		current, _ := s.auth.WorldPosition(id)
		dir, dist := transform.Direction(current.Sub(at))
		if dist <= TowDistance {
			continue
		}
		s.auth.Follow(id, at.Add(dir.MulScalar(TowDistance)))
	}
}

// mirrorNetTransforms copies serverState into the necs-synced component.
func (s *Server) mirrorNetTransforms() {
	netcomponents.NetTransform.Each(s.world, func(entry *donburi.Entry) {
		id := components.Identity.Get(entry).ID
		state, ok := s.auth.ServerState(id)
		if !ok {
			return
		}
		msg := protocol.FromState(id, state)
		msg.IsFollowUpdate = state.Active() && s.tow.IsPulled(id)
		netcomponents.NetTransform.SetValue(entry, netcomponents.NetTransformData{State: msg})
	})
}

// Broadcast sends a snapshot to every joined viewer.
func (s *Server) Broadcast(msg messages.TransformState) {
	s.broadcastMessage(msg)
}

// SendTo sends a snapshot to one viewer.
func (s *Server) SendTo(viewer ViewerID, msg messages.TransformState) {
	if sess, ok := s.session(viewer); ok {
		s.send(sess, msg)
	}
}

// SendNearby sends a snapshot to viewers whose point of interest is within
// radius of world.
func (s *Server) SendNearby(world math.Vec2, radius float64, msg messages.TransformState) {
	for _, vid := range s.viewers.Nearby(world, radius) {
		if sess, ok := s.session(vid); ok && sess.joined {
			s.send(sess, msg)
		}
	}
}

func (s *Server) broadcastMessage(msg any) {
	for _, sess := range s.joinedSessions() {
		s.send(sess, msg)
	}
}

func (s *Server) joinedSessions() []*session {
	s.mu.RLock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.joined {
			out = append(out, sess)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Server) send(sess *session, msg any) {
	if err := sess.peer.SendMessage(msg); err != nil {
		s.log.Printf("[server] send to %s failed: %v", sess.id, err)
	}
}

// World returns the ECS world
func (s *Server) World() donburi.World {
	return s.world
}

// Authority returns the server's authority engine.
func (s *Server) Authority() *Authority {
	return s.auth
}

// Frames returns the frame manager driving the world.
func (s *Server) Frames() *frames.Manager {
	return s.frames
}

// Scheduler returns the motion scheduler.
func (s *Server) Scheduler() *systems.Scheduler {
	return s.scheduler
}

// ViewerCount returns the number of joined viewers
func (s *Server) ViewerCount() int {
	return len(s.joinedSessions())
}

// CountTagged reports how many live entities carry tag.
func (s *Server) CountTagged(tag donburi.IComponentType) int {
	return donburi.NewQuery(filter.Contains(tag)).Count(s.world)
}

// ViewerEntity returns the entity a viewer controls.
func (s *Server) ViewerEntity(vid ViewerID) (transform.EntityID, bool) {
	sess, ok := s.session(vid)
	if !ok || !sess.joined {
		return 0, false
	}
	return sess.entity, true
}
