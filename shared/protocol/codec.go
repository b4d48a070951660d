package protocol

import (
	"fmt"

	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/transform"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/yohamta/donburi/features/math"
)

// FromState builds the wire snapshot for id. Active is written explicitly so
// receivers never have to know the hidden sentinel.
func FromState(id transform.EntityID, s transform.State) messages.TransformState {
	msg := messages.TransformState{
		TargetEntityID: uint32(id),
		FrameID:        int32(s.FrameID),
		ImpulseX:       s.Impulse.X,
		ImpulseY:       s.Impulse.Y,
		Speed:          s.Speed,
		SpinRotation:   s.SpinRotation,
		SpinFactor:     s.SpinFactor,
		Active:         s.Active(),
		IsFollowUpdate: s.IsFollowUpdate,
	}
	if msg.Active {
		msg.X = s.Position.X
		msg.Y = s.Position.Y
	}
	return msg
}

// ToState converts a wire snapshot back into a state. Inactive snapshots
// decode to the hidden position whatever coordinates they carry.
func ToState(msg messages.TransformState) (transform.EntityID, transform.State) {
	s := transform.State{
		FrameID:        transform.FrameID(msg.FrameID),
		Position:       math.Vec2{X: msg.X, Y: msg.Y},
		Impulse:        math.Vec2{X: msg.ImpulseX, Y: msg.ImpulseY},
		Speed:          msg.Speed,
		SpinRotation:   msg.SpinRotation,
		SpinFactor:     msg.SpinFactor,
		IsFollowUpdate: msg.IsFollowUpdate,
	}
	if !msg.Active {
		s.Position = transform.HiddenPos
	}
	return transform.EntityID(msg.TargetEntityID), s
}

func EncodeState(msg messages.TransformState) ([]byte, error) {
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("encode transform state: %w", err)
	}
	return data, nil
}

func DecodeState(data []byte) (messages.TransformState, error) {
	var msg messages.TransformState
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return messages.TransformState{}, fmt.Errorf("decode transform state: %w", err)
	}
	return msg, nil
}
