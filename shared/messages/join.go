package messages

// JoinRequest is sent by a client after connecting to request joining the game.
type JoinRequest struct {
	Version    string
	ViewerName string
}

// JoinAccepted is sent by the server when a client's join request is accepted.
type JoinAccepted struct {
	SessionID  string
	EntityID   uint32 // entity the viewer controls
	ServerName string
	TickRate   int
	Layout     string
}

// JoinRejected is sent by the server when a client's join request is rejected.
type JoinRejected struct {
	Reason string
}
