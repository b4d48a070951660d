package systems

import (
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/events"
)

// SnapshotApplied fires after an incoming snapshot lands in clientState.
type SnapshotApplied struct {
	ID    transform.EntityID
	State transform.State
}

// FrameSwitched fires after an entity is re-parented to another frame.
type FrameSwitched struct {
	ID       transform.EntityID
	OldFrame transform.FrameID
	NewFrame transform.FrameID
}

// VisibilityChanged fires when an entity appears or disappears.
type VisibilityChanged struct {
	ID     transform.EntityID
	Active bool
}

// TileReached fires when an active entity's registration moves to another
// world tile, including its first registration.
type TileReached struct {
	ID   transform.EntityID
	Tile transform.Tile
}

var (
	OnTileReached       = events.NewEventType[TileReached]()
	OnSnapshotApplied   = events.NewEventType[SnapshotApplied]()
	OnFrameSwitch       = events.NewEventType[FrameSwitched]()
	OnVisibilityChanged = events.NewEventType[VisibilityChanged]()
)

// ProcessNotifications delivers every queued notification for w. Call once
// per tick after the engines have run.
func ProcessNotifications(w donburi.World) {
	OnSnapshotApplied.ProcessEvents(w)
	OnFrameSwitch.ProcessEvents(w)
	OnVisibilityChanged.ProcessEvents(w)
	OnTileReached.ProcessEvents(w)
}
