package core

import (
	"time"

	"github.com/automoto/matrixsync/systems"
	"github.com/leap-fish/necs/esync/srvsync"
)

type GameLoop struct {
	server   *Server
	tickRate int
	ticks    int
	running  bool
	stopChan chan struct{}
}

func NewGameLoop(server *Server, tickRate int) *GameLoop {
	if tickRate <= 0 {
		tickRate = 20
	}
	return &GameLoop{
		server:   server,
		tickRate: tickRate,
		stopChan: make(chan struct{}),
	}
}

func (g *GameLoop) Run() {
	g.running = true
	ticker := time.NewTicker(time.Second / time.Duration(g.tickRate))
	defer ticker.Stop()

	g.server.log.Printf("[server] game loop started at %d ticks/second", g.tickRate)

	for {
		select {
		case <-g.stopChan:
			g.running = false
			g.server.log.Println("[server] game loop stopped")
			return
		case <-ticker.C:
			g.Step(time.Second / time.Duration(g.tickRate))
		}
	}
}

func (g *GameLoop) Stop() {
	close(g.stopChan)
}

// Step runs one simulation tick of length dt.
func (g *GameLoop) Step(dt time.Duration) {
	s := g.server
	s.ProcessCommands()
	s.followPulls()

	s.frames.Update(dt.Seconds())
	s.auth.WakeRiders()
	s.scheduler.Update(dt)
	systems.ProcessNotifications(s.world)

	g.ticks++
	if every := s.cfg.ResyncEvery; every > 0 && g.ticks%every == 0 {
		s.mirrorNetTransforms()
		if err := srvsync.DoSync(); err != nil {
			s.log.Printf("[server] sync error: %v", err)
		}
	}
}

// Step advances the server by one tick without the wall clock. Used by
// tests and tools that drive the simulation directly.
func (s *Server) Step(dt time.Duration) {
	s.loop.Step(dt)
}
