package config

import "time"

// BroadcastMode selects how the authority fans snapshots out to viewers.
type BroadcastMode int

const (
	BroadcastAll BroadcastMode = iota
	BroadcastNearby
)

func (m BroadcastMode) String() string {
	switch m {
	case BroadcastNearby:
		return "nearby"
	default:
		return "all"
	}
}

// ParseBroadcastMode accepts "all" or "nearby"; anything else is BroadcastAll.
func ParseBroadcastMode(s string) BroadcastMode {
	if s == "nearby" {
		return BroadcastNearby
	}
	return BroadcastAll
}

// SyncConfig contains the tuning values shared by the authority, prediction
// and scheduling systems.
type SyncConfig struct {
	// Simulation
	TickRate      int           // server ticks per second
	FreezeTimeout time.Duration // idle time before an entity leaves the tick set

	// Motion
	LerpSpeed float64 // minimum catch-up speed of interpolated slots, tiles/s
	FloatDrag float64 // speed lost per second by floating (pushed) entities
	StopSpeed float64 // floating entities below this speed come to rest

	// Space
	WorldWidth  int // resolv space extent, tiles
	WorldHeight int
	CellSize    int // resolv cell size, tiles

	// Delivery
	Broadcast    BroadcastMode
	NearbyRadius float64 // tiles
	ResyncEvery  int     // full world resync every N ticks; 0 disables
}

// Sync is the global sync configuration
var Sync SyncConfig

func init() {
	Sync = Default()
}

// Default returns the built-in tuning values.
func Default() SyncConfig {
	return SyncConfig{
		TickRate:      20,
		FreezeTimeout: 5 * time.Second,

		LerpSpeed: 8,
		FloatDrag: 1.5,
		StopSpeed: 0.05,

		WorldWidth:  2048,
		WorldHeight: 2048,
		CellSize:    8,

		Broadcast:    BroadcastAll,
		NearbyRadius: 24,
		ResyncEvery:  0,
	}
}

// TickDuration is the wall-clock length of one server tick.
func (c SyncConfig) TickDuration() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 20
	}
	return time.Second / time.Duration(c.TickRate)
}
