package core

import (
	"bytes"
	"log"
	"math"
	"strings"
	"testing"

	cfg "github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/automoto/matrixsync/systems"
	"github.com/yohamta/donburi"
	dmath "github.com/yohamta/donburi/features/math"
)

type box struct {
	min, max dmath.Vec2
}

type fakeFrames struct {
	origins    map[transform.FrameID]dmath.Vec2
	velocities map[transform.FrameID]dmath.Vec2
	bounds     map[transform.FrameID]box
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{
		origins:    make(map[transform.FrameID]dmath.Vec2),
		velocities: make(map[transform.FrameID]dmath.Vec2),
		bounds:     make(map[transform.FrameID]box),
	}
}

func (f *fakeFrames) add(id transform.FrameID, min, max dmath.Vec2) {
	f.origins[id] = min
	f.bounds[id] = box{min, max}
}

func (f *fakeFrames) FrameOrigin(id transform.FrameID) dmath.Vec2 { return f.origins[id] }

func (f *fakeFrames) FrameVelocity(id transform.FrameID) dmath.Vec2 { return f.velocities[id] }

func (f *fakeFrames) FrameAt(p dmath.Vec2) (transform.FrameID, bool) {
	for id, b := range f.bounds {
		if p.X >= b.min.X && p.X < b.max.X && p.Y >= b.min.Y && p.Y < b.max.Y {
			return id, true
		}
	}
	return transform.WorldFrame, false
}

type fakeRegistry struct {
	at        map[transform.EntityID]dmath.Vec2
	registers int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{at: make(map[transform.EntityID]dmath.Vec2)}
}

func (r *fakeRegistry) Register(id transform.EntityID, world dmath.Vec2) {
	r.at[id] = world
	r.registers++
}

func (r *fakeRegistry) Unregister(id transform.EntityID) { delete(r.at, id) }

type sent struct {
	mode   string
	viewer ViewerID
	msg    messages.TransformState
}

type fakeTransport struct {
	out []sent
}

func (t *fakeTransport) Broadcast(msg messages.TransformState) {
	t.out = append(t.out, sent{mode: "all", msg: msg})
}

func (t *fakeTransport) SendTo(v ViewerID, msg messages.TransformState) {
	t.out = append(t.out, sent{mode: "one", viewer: v, msg: msg})
}

func (t *fakeTransport) SendNearby(_ dmath.Vec2, _ float64, msg messages.TransformState) {
	t.out = append(t.out, sent{mode: "nearby", msg: msg})
}

func (t *fakeTransport) last() messages.TransformState {
	return t.out[len(t.out)-1].msg
}

type fakeWaker struct {
	pokes   map[transform.EntityID]int
	removed []transform.EntityID
}

func (w *fakeWaker) Poke(id transform.EntityID)   { w.pokes[id]++ }
func (w *fakeWaker) Remove(id transform.EntityID) { w.removed = append(w.removed, id) }

type harness struct {
	world     donburi.World
	frames    *fakeFrames
	registry  *fakeRegistry
	transport *fakeTransport
	waker     *fakeWaker
	tow       *systems.Tow
	logs      *bytes.Buffer
	auth      *Authority
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		world:     donburi.NewWorld(),
		frames:    newFakeFrames(),
		registry:  newFakeRegistry(),
		transport: &fakeTransport{},
		waker:     &fakeWaker{pokes: make(map[transform.EntityID]int)},
		tow:       systems.NewTow(),
		logs:      &bytes.Buffer{},
	}
	conf := cfg.Default()
	h.auth = NewAuthority(h.world, AuthorityDeps{
		Frames:    h.frames,
		Registry:  h.registry,
		Pulls:     h.tow,
		Transport: h.transport,
		Waker:     h.waker,
		Logger:    log.New(h.logs, "", 0),
		Config:    &conf,
	})
	return h
}

func near(a, b dmath.Vec2) bool {
	return math.Abs(a.X-b.X) < 1e-9 && math.Abs(a.Y-b.Y) < 1e-9
}

func TestSetPositionResolvesContainingFrame(t *testing.T) {
	h := newHarness(t)
	h.frames.add(7, dmath.Vec2{X: 100, Y: 100}, dmath.Vec2{X: 200, Y: 200})
	if err := h.auth.Spawn(1, transform.HiddenPos, 0); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	h.auth.SetPosition(1, dmath.Vec2{X: 150, Y: 120})
	s, _ := h.auth.ServerState(1)
	if s.FrameID != 7 || !near(s.Position, dmath.Vec2{X: 50, Y: 20}) {
		t.Fatalf("expected frame 7 local (50,20), got %v", s)
	}
	if h.transport.last().FrameID != 7 || !h.transport.last().Active {
		t.Fatalf("placement should broadcast the new state, got %+v", h.transport.last())
	}
}

func TestPlacementFallsBackToWorldFrame(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, transform.HiddenPos, 0)

	h.auth.SetPosition(1, dmath.Vec2{X: -40, Y: 9})
	s, _ := h.auth.ServerState(1)
	if s.FrameID != transform.WorldFrame || !near(s.Position, dmath.Vec2{X: -40, Y: 9}) {
		t.Fatalf("expected world frame placement, got %v", s)
	}
	if !strings.Contains(h.logs.String(), "[authority]") {
		t.Fatalf("expected a logged warning, got %q", h.logs.String())
	}
}

func TestSilentPlacementKeepsRotation(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 1, Y: 1}, 0)
	h.auth.SetRotation(1, 450, 0)
	sentBefore := len(h.transport.out)

	h.auth.SetPosition(1, dmath.Vec2{X: 2, Y: 2}, Silent(), KeepRotation())
	if len(h.transport.out) != sentBefore {
		t.Fatalf("silent placement must not notify")
	}
	if s, _ := h.auth.ServerState(1); s.SpinRotation != 90 {
		t.Fatalf("rotation should be kept, got %v", s.SpinRotation)
	}

	h.auth.SetPosition(1, dmath.Vec2{X: 3, Y: 3})
	if s, _ := h.auth.ServerState(1); s.SpinRotation != 0 {
		t.Fatalf("placement resets rotation, got %v", s.SpinRotation)
	}
}

func TestFrameSwitchPreservesWorldPosition(t *testing.T) {
	h := newHarness(t)
	h.frames.add(1, dmath.Vec2{X: 0, Y: 0}, dmath.Vec2{X: 20, Y: 20})
	h.frames.add(2, dmath.Vec2{X: 20, Y: 0}, dmath.Vec2{X: 60, Y: 20})

	var switched []systems.FrameSwitched
	systems.OnFrameSwitch.Subscribe(h.world, func(_ donburi.World, e systems.FrameSwitched) {
		switched = append(switched, e)
	})

	h.auth.Spawn(1, dmath.Vec2{X: 19.5, Y: 3.25}, 0)
	before, _ := h.auth.WorldPosition(1)

	// Frame 1 shrinks away from the entity.
	h.frames.bounds[1] = box{dmath.Vec2{}, dmath.Vec2{X: 10, Y: 20}}
	h.frames.bounds[2] = box{dmath.Vec2{X: 10, Y: 0}, dmath.Vec2{X: 60, Y: 20}}
	h.auth.CheckFrameSwitch(1, true)

	after, _ := h.auth.WorldPosition(1)
	s, _ := h.auth.ServerState(1)
	if s.FrameID != 2 {
		t.Fatalf("expected switch to frame 2, got %v", s)
	}
	if before.Sub(after).X*before.Sub(after).X+before.Sub(after).Y*before.Sub(after).Y > 1e-12 {
		t.Fatalf("world position moved across switch: %v -> %v", before, after)
	}
	lerp, _ := h.auth.LerpState(1)
	if lerp.FrameID != 2 {
		t.Fatalf("lerp state should follow the switch, got %v", lerp)
	}

	systems.ProcessNotifications(h.world)
	if len(switched) != 1 || switched[0].OldFrame != 1 || switched[0].NewFrame != 2 {
		t.Fatalf("unexpected frame switch events: %+v", switched)
	}
}

func TestMovingFramePushesInsteadOfSwitching(t *testing.T) {
	h := newHarness(t)
	h.frames.add(1, dmath.Vec2{X: 0, Y: 0}, dmath.Vec2{X: 40, Y: 40})
	h.auth.Spawn(1, transform.HiddenPos, 0)
	h.auth.SetPosition(1, dmath.Vec2{X: 10, Y: 5})

	// F1 travels east at 2 tiles/s and no longer covers the entity.
	h.frames.velocities[1] = dmath.Vec2{X: 2, Y: 0}
	h.frames.bounds[1] = box{dmath.Vec2{X: 30, Y: 0}, dmath.Vec2{X: 70, Y: 40}}

	h.auth.CheckFrameSwitch(1, true)
	s, _ := h.auth.ServerState(1)
	if s.FrameID != 1 {
		t.Fatalf("switch must be deferred while frame 1 moves, got %v", s)
	}
	if s.Speed != 2 || !near(s.Impulse, dmath.Vec2{X: 1, Y: 0}) {
		t.Fatalf("expected inertial push east at 2, got %v", s)
	}

	h.auth.Tick(1, 0.1)
	s, _ = h.auth.ServerState(1)
	if s.FrameID != 1 || !near(s.Position, dmath.Vec2{X: 10.2, Y: 5}) {
		t.Fatalf("expected local position (10.2,5) in frame 1, got %v", s)
	}
}

func TestDisappearThenAppearRegistersOnce(t *testing.T) {
	h := newHarness(t)
	var vis []systems.VisibilityChanged
	systems.OnVisibilityChanged.Subscribe(h.world, func(_ donburi.World, e systems.VisibilityChanged) {
		vis = append(vis, e)
	})

	h.auth.Spawn(1, dmath.Vec2{X: 8, Y: 8}, 0)
	h.auth.Disappear(1)
	if h.transport.last().Active {
		t.Fatalf("disappear should broadcast inactive state")
	}
	if len(h.registry.at) != 0 {
		t.Fatalf("hidden entity still registered: %v", h.registry.at)
	}

	h.auth.AppearAt(1, dmath.Vec2{X: 3, Y: 3})
	if !h.transport.last().Active {
		t.Fatalf("appear should broadcast active state")
	}
	if len(h.registry.at) != 1 || !near(h.registry.at[1], dmath.Vec2{X: 3, Y: 3}) {
		t.Fatalf("expected one registration at (3,3), got %v", h.registry.at)
	}

	systems.ProcessNotifications(h.world)
	if len(vis) != 3 || vis[0].Active != true || vis[1].Active != false || vis[2].Active != true {
		t.Fatalf("unexpected visibility events %+v", vis)
	}
}

func TestDisappearReleasesPullAndStopsFloating(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 0, Y: 0}, 0)
	h.tow.Start(9, 1)
	h.auth.Push(1, dmath.Vec2{X: 0, Y: 3}, 4)

	h.auth.Disappear(1)
	if h.tow.IsPulled(1) {
		t.Fatalf("pull should be released")
	}
	s, _ := h.auth.ServerState(1)
	if s.Speed != 0 || s.Active() {
		t.Fatalf("expected hidden resting state, got %v", s)
	}
}

func TestSetVisibleRestoresLastPosition(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 4, Y: 6}, 0)
	h.auth.SetVisible(1, false)
	h.auth.SetVisible(1, true)

	p, _ := h.auth.WorldPosition(1)
	if !near(p, dmath.Vec2{X: 4, Y: 6}) {
		t.Fatalf("expected (4,6), got %v", p)
	}
}

func TestCheckFrameSwitchBeforePlacementWarns(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, transform.HiddenPos, 0)
	h.logs.Reset()

	h.auth.CheckFrameSwitch(1, true)
	if !strings.Contains(h.logs.String(), "frame check before placement") {
		t.Fatalf("expected warning, got %q", h.logs.String())
	}
	s, _ := h.auth.ServerState(1)
	if !s.IsUninitialized() {
		t.Fatalf("state must stay uninitialized, got %v", s)
	}
}

func TestFixedFrameIsNeverReparented(t *testing.T) {
	h := newHarness(t)
	h.frames.add(1, dmath.Vec2{}, dmath.Vec2{X: 10, Y: 10})
	h.auth.Spawn(1, dmath.Vec2{X: 5, Y: 5}, 0)
	h.auth.SetFixedFrame(1, true)

	delete(h.frames.bounds, 1)
	h.auth.CheckFrameSwitch(1, true)
	if s, _ := h.auth.ServerState(1); s.FrameID != 1 {
		t.Fatalf("fixed entity switched frame: %v", s)
	}
}

func TestTickLerpsAndReportsChange(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 0, Y: 0}, 0)
	h.auth.Follow(1, dmath.Vec2{X: 4, Y: 0})

	if !h.auth.Tick(1, 0.25) {
		t.Fatalf("lerping tick should report change")
	}
	lerp, _ := h.auth.LerpState(1)
	if !near(lerp.Position, dmath.Vec2{X: 2, Y: 0}) {
		t.Fatalf("lerp should move at LerpSpeed, got %v", lerp.Position)
	}
	h.auth.Tick(1, 0.25)
	if h.auth.Tick(1, 0.25) {
		t.Fatalf("settled entity should report no change")
	}
}

func TestFloatingDecaysToRest(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 0, Y: 0}, 0)
	h.auth.Push(1, dmath.Vec2{X: 1, Y: 0}, 1)

	for i := 0; i < 20; i++ {
		h.auth.Tick(1, 0.1)
	}
	s, _ := h.auth.ServerState(1)
	if s.IsFloating() {
		t.Fatalf("drag should have stopped the entity: %v", s)
	}
	if s.Position.X <= 0 {
		t.Fatalf("entity never moved: %v", s)
	}
}

func TestFollowFlagsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 0, Y: 0}, 0)
	h.auth.Follow(1, dmath.Vec2{X: 1, Y: 1})

	if !h.transport.last().IsFollowUpdate {
		t.Fatalf("follow snapshot must be flagged")
	}
	if s, _ := h.auth.ServerState(1); s.IsFollowUpdate {
		t.Fatalf("flag must not stick to server state")
	}
	h.auth.SetPosition(1, dmath.Vec2{X: 2, Y: 2})
	if h.transport.last().IsFollowUpdate {
		t.Fatalf("ordinary placement must not be flagged")
	}
}

func TestNearbyBroadcastMode(t *testing.T) {
	h := newHarness(t)
	h.auth.cfg.Broadcast = cfg.BroadcastNearby
	h.auth.Spawn(1, dmath.Vec2{X: 1, Y: 1}, 0)
	if h.transport.out[len(h.transport.out)-1].mode != "nearby" {
		t.Fatalf("expected nearby delivery")
	}
}

func TestSyncViewerSkipsUnplaced(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 1, Y: 1}, 0)
	h.auth.Spawn(2, transform.HiddenPos, 0)
	h.auth.Spawn(3, dmath.Vec2{X: 2, Y: 1}, 0)
	h.transport.out = nil

	h.auth.SyncViewer("v1")
	if len(h.transport.out) != 2 {
		t.Fatalf("expected 2 targeted sends, got %d", len(h.transport.out))
	}
	for _, s := range h.transport.out {
		if s.mode != "one" || s.viewer != "v1" {
			t.Fatalf("unexpected delivery %+v", s)
		}
	}
}

func TestDestroyCleansUp(t *testing.T) {
	h := newHarness(t)
	h.auth.Spawn(1, dmath.Vec2{X: 1, Y: 1}, 0)
	h.auth.Destroy(1)

	if len(h.registry.at) != 0 || h.auth.Table().Has(1) {
		t.Fatalf("destroyed entity left state behind")
	}
	if len(h.waker.removed) != 1 || h.waker.removed[0] != 1 {
		t.Fatalf("scheduler timers not cancelled")
	}
	if h.auth.Tick(1, 0.1) {
		t.Fatalf("destroyed entity cannot change")
	}
}

func TestWakeRidersPokesEntitiesOnMovingFrames(t *testing.T) {
	h := newHarness(t)
	h.frames.add(1, dmath.Vec2{}, dmath.Vec2{X: 10, Y: 10})
	h.auth.Spawn(1, dmath.Vec2{X: 2, Y: 2}, 0)
	h.auth.Spawn(2, dmath.Vec2{X: 50, Y: 50}, 0)
	h.frames.velocities[1] = dmath.Vec2{X: 1}
	before1, before2 := h.waker.pokes[1], h.waker.pokes[2]

	h.auth.WakeRiders()
	if h.waker.pokes[1] != before1+1 || h.waker.pokes[2] != before2 {
		t.Fatalf("only riders of moving frames should be woken: %v", h.waker.pokes)
	}
}

func TestTileReachedOnlyOnNewTile(t *testing.T) {
	h := newHarness(t)
	var reached []systems.TileReached
	systems.OnTileReached.Subscribe(h.world, func(_ donburi.World, e systems.TileReached) {
		reached = append(reached, e)
	})

	h.auth.Spawn(1, dmath.Vec2{X: 2, Y: 2}, 0)
	h.auth.SetPosition(1, dmath.Vec2{X: 2.3, Y: 2})
	h.auth.SetPosition(1, dmath.Vec2{X: 5, Y: 2})
	h.auth.Disappear(1)

	systems.ProcessNotifications(h.world)
	want := []transform.Tile{{X: 2, Y: 2}, {X: 5, Y: 2}}
	if len(reached) != len(want) {
		t.Fatalf("expected %d tile events, got %+v", len(want), reached)
	}
	for i, e := range reached {
		if e.ID != 1 || e.Tile != want[i] {
			t.Fatalf("event %d: got %+v want tile %v", i, e, want[i])
		}
	}
}
