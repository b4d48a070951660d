package protocol

import (
	"reflect"

	"github.com/automoto/matrixsync/shared/netcomponents"
	"github.com/leap-fish/necs/esync"
)

// Sync ID constants - ID 1 is reserved by necs for NetworkId
const (
	SyncIDNetTransform uint = 20
)

// RegisterComponents registers all network components with necs for serialization.
// This must be called by both server and client before any network operations.
// Calling it again is a no-op.
func RegisterComponents() error {
	if _, ok := esync.Registered(reflect.TypeOf(netcomponents.NetTransformData{})); ok {
		return nil
	}
	// No interpolation: the prediction engine owns smoothing on the client.
	return esync.RegisterComponent(
		SyncIDNetTransform,
		netcomponents.NetTransformData{},
		netcomponents.NetTransform,
	)
}
