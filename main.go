package main

import (
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automoto/matrixsync/assets"
	"github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/frames"
	"github.com/automoto/matrixsync/network"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/shared/transform"
)

var errJoinTimeout = errors.New("timed out waiting for join")

// observer is a headless viewer: it joins a server, keeps a replica of the
// world in step and periodically reports what it sees.
func main() {
	addr := flag.String("addr", "localhost:7373", "Server address")
	name := flag.String("name", "observer", "Viewer name")
	version := flag.String("version", "", "Client version sent on join")
	wander := flag.Duration("wander", 0, "Move the viewer's entity at this interval (0 = stand still)")
	report := flag.Duration("report", 2*time.Second, "How often to log the replica state")
	flag.Parse()

	if err := protocol.RegisterComponents(); err != nil {
		log.Fatalf("Failed to register components: %v", err)
	}

	client := network.NewClient()
	client.Connect(*addr, *version, *name)
	if err := waitForJoin(client, 10*time.Second); err != nil {
		log.Fatalf("Join failed: %v", err)
	}
	defer client.Disconnect()

	layout, err := assets.LoadLayout(client.Layout())
	if err != nil {
		log.Fatalf("Failed to load layout %q: %v", client.Layout(), err)
	}
	conf := config.Sync
	if tr := client.TickRate(); tr > 0 {
		conf.TickRate = tr
	}
	fm := frames.NewManager(conf.WorldWidth, conf.WorldHeight, conf.CellSize)
	if err := fm.Load(layout.Frames); err != nil {
		log.Fatalf("Failed to load frames: %v", err)
	}

	replica := network.NewReplica(fm, conf, nil)
	self := transform.EntityID(client.EntityID())
	replica.SetLocalViewer(self)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dt := conf.TickDuration()
	tick := time.NewTicker(dt)
	defer tick.Stop()
	reportTick := time.NewTicker(*report)
	defer reportTick.Stop()

	var wanderC <-chan time.Time
	if *wander > 0 {
		wt := time.NewTicker(*wander)
		defer wt.Stop()
		wanderC = wt.C
	}
	sx, sy := layout.ViewerSpawn()

	log.Printf("[observer] joined %s as entity %d (layout %s)", *addr, self, layout.Name)
	for {
		select {
		case <-sigChan:
			log.Println("[observer] shutting down")
			return
		case <-tick.C:
			if client.State() != network.StateJoined {
				log.Printf("[observer] connection lost: %v", client.LastError())
				return
			}
			replica.HandleAll(client.Drain())
			replica.Step(dt)
		case <-wanderC:
			x := sx + rand.Float64()*16 - 8
			y := sy + rand.Float64()*16 - 8
			if err := client.SendMessage(messages.MoveRequest{X: x, Y: y}); err != nil {
				log.Printf("[observer] move request failed: %v", err)
			}
			if err := client.SendMessage(messages.ViewerUpdate{X: x, Y: y}); err != nil {
				log.Printf("[observer] viewer update failed: %v", err)
			}
		case <-reportTick.C:
			reportReplica(replica, self)
		}
	}
}

func waitForJoin(client *network.Client, timeout time.Duration) error {
	deadline := time.After(timeout)
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-deadline:
			return errJoinTimeout
		case <-poll.C:
			switch client.State() {
			case network.StateJoined:
				return nil
			case network.StateError:
				return client.LastError()
			}
		}
	}
}

func reportReplica(r *network.Replica, self transform.EntityID) {
	p := r.Prediction()
	ids := p.Table().IDs()
	log.Printf("[observer] tracking %d entities, %d visible, %d moving",
		len(ids), r.Registry().Len(), r.Scheduler().MovingCount())
	for _, id := range ids {
		pose, _ := p.Rendered(id)
		if pose.Position == transform.HiddenPos {
			continue
		}
		marker := ""
		if id == self {
			marker = " (self)"
		}
		log.Printf("[observer]   %d %-8s frame=%d pos=(%.2f,%.2f) rot=%.0f trusted=%v%s",
			id, r.Kind(id), pose.FrameID, pose.Position.X, pose.Position.Y, pose.Rotation,
			p.TrustedPosition(id), marker)
	}
}
