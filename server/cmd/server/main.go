package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/automoto/matrixsync/assets"
	"github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/frames"
	"github.com/automoto/matrixsync/server/core"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/tags"
	"github.com/joho/godotenv"
	"github.com/yohamta/donburi/features/math"
)

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[server] ignoring %s=%q: not an integer", key, v)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("[server] ignoring %s=%q: not a number", key, v)
	}
	return fallback
}

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[server] could not load .env: %v", err)
	}

	store, err := config.OpenStore("matrixsync")
	if err != nil {
		log.Printf("[server] running without saved settings")
	}
	saved, _ := store.Load()
	defaults := saved.Apply(config.Default())

	port := flag.Uint("port", uint(envInt("MATRIXSYNC_PORT", 7373)), "Server port")
	tickRate := flag.Int("tickrate", envInt("MATRIXSYNC_TICKRATE", defaults.TickRate), "Server tick rate (updates per second)")
	name := flag.String("name", envString("MATRIXSYNC_NAME", "Matrixsync Server"), "Server display name")
	version := flag.String("version", envString("MATRIXSYNC_VERSION", ""), "Required client version (empty = accept any)")
	layoutName := flag.String("layout", envString("MATRIXSYNC_LAYOUT", assets.DefaultLayout), "Embedded frame layout")
	broadcast := flag.String("broadcast", envString("MATRIXSYNC_BROADCAST", defaults.Broadcast.String()), "Snapshot delivery: all or nearby")
	radius := flag.Float64("radius", envFloat("MATRIXSYNC_RADIUS", defaults.NearbyRadius), "Nearby delivery radius in tiles")
	resync := flag.Int("resync", envInt("MATRIXSYNC_RESYNC", defaults.ResyncEvery), "Full world resync every N ticks (0 = off)")
	save := flag.Bool("save", false, "Persist these settings as the new defaults")
	flag.Parse()

	conf := defaults
	conf.TickRate = *tickRate
	conf.Broadcast = config.ParseBroadcastMode(*broadcast)
	conf.NearbyRadius = *radius
	conf.ResyncEvery = *resync

	layout, err := assets.LoadLayout(*layoutName)
	if err != nil {
		log.Fatalf("Failed to load layout: %v", err)
	}
	if w, h := layout.Width, layout.Height; w > 0 && h > 0 {
		conf.WorldWidth = max(conf.WorldWidth, w)
		conf.WorldHeight = max(conf.WorldHeight, h)
	}
	config.Sync = conf

	if *save {
		if err := store.Save(config.Snapshot(conf)); err != nil {
			log.Printf("[server] could not save settings: %v", err)
		}
	}

	if err := protocol.RegisterComponents(); err != nil {
		log.Fatalf("Failed to register components: %v", err)
	}

	fm := frames.NewManager(conf.WorldWidth, conf.WorldHeight, conf.CellSize)
	if err := fm.Load(layout.Frames); err != nil {
		log.Fatalf("Failed to load frames: %v", err)
	}

	sx, sy := layout.ViewerSpawn()
	server := core.NewServer(fm, core.Options{
		Name:    *name,
		Version: *version,
		Layout:  layout.Name,
		Spawn:   math.Vec2{X: sx, Y: sy},
		Config:  &conf,
	})
	for _, spawn := range layout.Spawns {
		if spawn.Kind == tags.KindViewer {
			continue
		}
		if _, err := server.SpawnObject(spawn.Kind, math.Vec2{X: spawn.X, Y: spawn.Y}); err != nil {
			log.Printf("[server] could not spawn %s %q: %v", spawn.Kind, spawn.Name, err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down server...")
		server.Stop()
		os.Exit(0)
	}()

	log.Printf("Starting %q on port %d (layout: %s, frames: %d, tick rate: %d/s, broadcast: %s, version: %s)",
		*name, *port, layout.Name, fm.Len(), conf.TickRate, conf.Broadcast, *version)
	if err := server.Start(*port); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
