package network

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/automoto/matrixsync/shared/messages"
	"github.com/automoto/matrixsync/shared/netcomponents"
	"github.com/coder/websocket"
	"github.com/leap-fish/necs/esync"
	"github.com/leap-fish/necs/router"
	"github.com/leap-fish/necs/transports"
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateJoined
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// inboxSize bounds how far the network may run ahead of the tick. Senders
// block when it is full; world messages are never dropped.
const inboxSize = 1024

// Client manages a WebSocket connection to the sync server.
// All shared fields are protected by mu (router callbacks run on necs goroutines).
type Client struct {
	mu sync.RWMutex

	state      ClientState
	lastError  error
	sessionID  string
	entityID   uint32
	serverName string
	tickRate   int
	layout     string
	conn       *websocket.Conn

	// Spawns, despawns and snapshots share one queue so their order survives.
	inbox chan any
}

func NewClient() *Client {
	return &Client{
		state: StateDisconnected,
		inbox: make(chan any, inboxSize),
	}
}

// Connect dials the server in a background goroutine and initiates the join handshake.
func (c *Client) Connect(address, version, viewerName string) {
	c.mu.Lock()
	c.state = StateConnecting
	c.lastError = nil
	c.mu.Unlock()

	router.OnConnect(func(_ *router.NetworkClient) {
		log.Println("[client] connected to server")
		c.mu.Lock()
		c.state = StateConnected
		c.mu.Unlock()

		if err := c.SendMessage(messages.JoinRequest{
			Version:    version,
			ViewerName: viewerName,
		}); err != nil {
			c.setError(fmt.Errorf("failed to send join request: %w", err))
		}
	})

	router.On(func(_ *router.NetworkClient, msg messages.JoinAccepted) {
		log.Printf("[client] join accepted: session=%s entity=%d server=%s tickRate=%d",
			msg.SessionID, msg.EntityID, msg.ServerName, msg.TickRate)
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.entityID = msg.EntityID
		c.serverName = msg.ServerName
		c.tickRate = msg.TickRate
		c.layout = msg.Layout
		c.state = StateJoined
		c.mu.Unlock()
	})

	router.On(func(_ *router.NetworkClient, msg messages.JoinRejected) {
		log.Printf("[client] join rejected: %s", msg.Reason)
		c.setError(fmt.Errorf("join rejected: %s", msg.Reason))
	})

	router.On(func(_ *router.NetworkClient, evt messages.SpawnEvent) {
		c.inbox <- evt
	})

	router.On(func(_ *router.NetworkClient, evt messages.DespawnEvent) {
		c.inbox <- evt
	})

	router.On(func(_ *router.NetworkClient, msg messages.TransformState) {
		c.inbox <- msg
	})

	router.On(func(_ *router.NetworkClient, snapshot esync.WorldSnapshot) {
		for _, msg := range snapshotStates(snapshot) {
			c.inbox <- msg
		}
	})

	router.OnDisconnect(func(_ *router.NetworkClient, err error) {
		log.Printf("[client] disconnected: %v", err)
		c.mu.Lock()
		if c.state != StateError {
			c.state = StateDisconnected
		}
		c.conn = nil
		c.mu.Unlock()
	})

	router.OnError(func(_ *router.NetworkClient, err error) {
		log.Printf("[client] error: %v", err)
	})

	go func() {
		transport := transports.NewWsClientTransport("ws://" + address)
		err := transport.Start(func(conn *websocket.Conn) {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
		})
		if err != nil {
			c.setError(fmt.Errorf("connection failed: %w", err))
		}
	}()
}

// snapshotStates pulls the mirrored transforms out of a periodic resync.
func snapshotStates(snapshot esync.WorldSnapshot) []messages.TransformState {
	var out []messages.TransformState
	for _, ent := range snapshot {
		for _, componentBytes := range ent.State {
			instance, err := esync.Mapper.Deserialize(componentBytes)
			if err != nil {
				continue
			}
			if data, ok := instance.(netcomponents.NetTransformData); ok {
				out = append(out, data.State)
			}
		}
	}
	return out
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.CloseNow()
	}

	router.ResetRouter()
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// EntityID is the entity this viewer controls, valid once joined.
func (c *Client) EntityID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entityID
}

func (c *Client) Layout() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout
}

func (c *Client) TickRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickRate
}

// Drain returns every queued world message in arrival order. Non-blocking.
func (c *Client) Drain() []any {
	return drainChan(c.inbox)
}

func (c *Client) SendMessage(msg any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	payload, err := router.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	return conn.Write(context.Background(), websocket.MessageBinary, payload)
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastError = err
	c.mu.Unlock()
}

func drainChan[T any](ch chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
