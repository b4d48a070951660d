package network

import (
	"bytes"
	"log"
	"testing"

	cfg "github.com/automoto/matrixsync/config"
	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/netcomponents"
	"github.com/automoto/matrixsync/shared/protocol"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/leap-fish/necs/esync"
	"github.com/yohamta/donburi/features/math"
)

func resyncSnapshot(t *testing.T, msgs ...messages.TransformState) esync.WorldSnapshot {
	t.Helper()
	if err := protocol.RegisterComponents(); err != nil {
		t.Fatalf("register components: %v", err)
	}
	var snapshot esync.WorldSnapshot
	for _, msg := range msgs {
		payload, err := esync.Mapper.Serialize(netcomponents.NetTransformData{State: msg})
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		snapshot = append(snapshot, esync.SerializedEntity{
			Id:    esync.NetworkId(msg.TargetEntityID),
			State: esync.EntityState{esync.ComponentId(protocol.SyncIDNetTransform): payload},
		})
	}
	return snapshot
}

func TestSnapshotStatesReadsMirroredTransforms(t *testing.T) {
	want := messages.TransformState{TargetEntityID: 1, X: 3, Y: 4, Speed: 2, SpinRotation: 45, Active: true}
	snapshot := resyncSnapshot(t, want)
	snapshot[0].State[esync.ComponentId(99)] = []byte{0xc1, 0xc1}

	got := snapshotStates(snapshot)
	if len(got) != 1 {
		t.Fatalf("expected one state, got %d", len(got))
	}
	if got[0] != want {
		t.Fatalf("expected %+v, got %+v", want, got[0])
	}
}

func TestResyncStateReachesReplica(t *testing.T) {
	states := snapshotStates(resyncSnapshot(t,
		messages.TransformState{TargetEntityID: 1, X: 3, Y: 4, SpinRotation: 45, Active: true},
		messages.TransformState{TargetEntityID: 2},
	))
	if len(states) != 2 {
		t.Fatalf("expected two states, got %d", len(states))
	}

	r := NewReplica(nil, cfg.Default(), log.New(&bytes.Buffer{}, "", 0))
	for _, id := range []uint32{1, 2} {
		if err := r.Handle(messages.SpawnEvent{EntityID: id}); err != nil {
			t.Fatalf("spawn %d: %v", id, err)
		}
	}
	for _, st := range states {
		if err := r.Handle(st); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	p := r.Prediction()
	client, _ := p.ClientState(1)
	if !client.Active() || client.Position != (math.Vec2{X: 3, Y: 4}) || client.SpinRotation != 45 {
		t.Fatalf("client state not applied: %+v", client)
	}
	pred, _ := p.PredictedState(1)
	if pred != client {
		t.Fatalf("prediction should adopt the resync, got %+v want %+v", pred, client)
	}
	if _, ok := r.Registry().Position(1); !ok {
		t.Fatal("resynced entity should be registered")
	}

	hidden, _ := p.ClientState(2)
	if hidden.Active() || hidden.Position != transform.HiddenPos {
		t.Fatalf("inactive resync should stay hidden: %+v", hidden)
	}
	if _, ok := r.Registry().Position(2); ok {
		t.Fatal("hidden entity should not be registered")
	}
}
