package netcomponents

import (
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/yohamta/donburi"
)

// NetTransformData mirrors serverState for the periodic world resync. It is
// rewritten from the authority's slots before every sync and never edited
// directly.
type NetTransformData struct {
	State messages.TransformState
}

var NetTransform = donburi.NewComponentType[NetTransformData]()
