package network

import (
	"log"
	"sort"
	"sync"

	"github.com/automoto/matrixsync/server/core"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/spatial"
	"github.com/yohamta/donburi/features/math"
)

// Loopback is an in-process transport between an authority and replicas.
// Snapshots go through the wire codec and queue per viewer until Flush, so
// delivery order matches emission order.
type Loopback struct {
	mu      sync.Mutex
	viewers map[core.ViewerID]*loopbackPeer
	nearby  *spatial.Registry[core.ViewerID]
	log     *log.Logger
}

var _ core.Transport = (*Loopback)(nil)

type loopbackPeer struct {
	replica *Replica
	queue   []any
}

func NewLoopback(width, height, cellSize int, logger *log.Logger) *Loopback {
	if logger == nil {
		logger = log.Default()
	}
	return &Loopback{
		viewers: make(map[core.ViewerID]*loopbackPeer),
		nearby:  spatial.NewRegistry[core.ViewerID](width, height, cellSize),
		log:     logger,
	}
}

// Connect attaches a replica as viewer.
func (l *Loopback) Connect(viewer core.ViewerID, r *Replica) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewers[viewer] = &loopbackPeer{replica: r}
}

// Disconnect drops a viewer and anything still queued for it.
func (l *Loopback) Disconnect(viewer core.ViewerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.viewers, viewer)
	l.nearby.Unregister(viewer)
}

// MoveViewer sets the point nearby-only sends are measured from.
func (l *Loopback) MoveViewer(viewer core.ViewerID, at math.Vec2) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nearby.Register(viewer, at)
}

// Announce queues a spawn or despawn for every viewer.
func (l *Loopback) Announce(msg any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, vid := range l.sortedViewers() {
		l.viewers[vid].queue = append(l.viewers[vid].queue, msg)
	}
}

func (l *Loopback) Broadcast(msg messages.TransformState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, vid := range l.sortedViewers() {
		l.enqueue(vid, msg)
	}
}

func (l *Loopback) SendTo(viewer core.ViewerID, msg messages.TransformState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enqueue(viewer, msg)
}

func (l *Loopback) SendNearby(world math.Vec2, radius float64, msg messages.TransformState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, vid := range l.nearby.Nearby(world, radius) {
		l.enqueue(vid, msg)
	}
}

func (l *Loopback) enqueue(viewer core.ViewerID, msg messages.TransformState) {
	peer, ok := l.viewers[viewer]
	if !ok {
		return
	}
	payload, err := protocol.EncodeState(msg)
	if err != nil {
		l.log.Printf("[loopback] encode for %s: %v", viewer, err)
		return
	}
	peer.queue = append(peer.queue, payload)
}

func (l *Loopback) sortedViewers() []core.ViewerID {
	ids := make([]core.ViewerID, 0, len(l.viewers))
	for vid := range l.viewers {
		ids = append(ids, vid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Flush delivers every queued message to its replica and reports how many
// were delivered.
func (l *Loopback) Flush() int {
	l.mu.Lock()
	pending := make(map[*Replica][]any, len(l.viewers))
	for _, peer := range l.viewers {
		if len(peer.queue) > 0 {
			pending[peer.replica] = peer.queue
			peer.queue = nil
		}
	}
	l.mu.Unlock()

	n := 0
	for r, msgs := range pending {
		r.HandleAll(msgs)
		n += len(msgs)
	}
	return n
}

// Pending returns how many messages are queued for viewer.
func (l *Loopback) Pending(viewer core.ViewerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if peer, ok := l.viewers[viewer]; ok {
		return len(peer.queue)
	}
	return 0
}
