package components

import (
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/math"
)

// IdentityData ties a table row to its wire id.
type IdentityData struct {
	ID transform.EntityID
}

var Identity = donburi.NewComponentType[IdentityData]()

// ServerTransformData holds the authority's slots for one entity.
type ServerTransformData struct {
	Server transform.State // ground truth, never rendered
	Lerp   transform.State // what server-side consumers see

	Tile       transform.Tile // local tile frame checks last ran at
	WorldTile  transform.Tile // world tile last registered
	Registered bool
	LastShown  math.Vec2 // last world position while active
	FixedFrame bool      // never re-parented by frame checks
}

var ServerTransform = donburi.NewComponentType[ServerTransformData]()

// Pose is the rendered transform, local to FrameID.
type Pose struct {
	FrameID  transform.FrameID
	Position math.Vec2
	Rotation float64
}

// ClientTransformData holds the prediction engine's slots for one entity.
type ClientTransformData struct {
	Client    transform.State // last snapshot accepted from the network
	Predicted transform.State // speculative, advanced locally
	Rendered  Pose

	Tile       transform.Tile // world tile last registered
	Registered bool
}

var ClientTransform = donburi.NewComponentType[ClientTransformData]()
