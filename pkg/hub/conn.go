package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is a connection's position in its lifecycle.
type ConnState string

const (
	// StateConnected is an upgraded socket that has not yet registered.
	StateConnected ConnState = "connected"

	// StateRegistered is a connection that has identified its client.
	StateRegistered ConnState = "registered"

	// StateClosing is a connection being torn down.
	StateClosing ConnState = "closing"

	// StateClosed is a fully released connection.
	StateClosed ConnState = "closed"
)

// Conn is one live socket. Writes are serialized through the write mutex;
// gorilla/websocket permits only one concurrent writer.
type Conn struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu           sync.Mutex
	state        ConnState
	clientID     string
	appVersion   string
	platform     string
	channels     map[string]struct{}
	connectedAt  time.Time
	lastLiveness time.Time
}

func newConn(id string, ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration) *Conn {
	now := time.Now()
	return &Conn{
		id:           id,
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		state:        StateConnected,
		channels:     make(map[string]struct{}),
		connectedAt:  now,
		lastLiveness: now,
	}
}

// ID returns the connection's session id.
func (c *Conn) ID() string {
	return c.id
}

// send writes one frame with a deadline.
func (c *Conn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(f)
}

// ping writes a protocol-level ping control frame.
func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// touch refreshes the liveness clock.
func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLiveness = time.Now()
}

// staleSince reports whether the connection showed no liveness after cutoff.
func (c *Conn) staleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLiveness.Before(cutoff)
}

// register stores the client's identity and advances the state machine.
func (c *Conn) register(data RegisterData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = data.ClientID
	c.appVersion = data.AppVersion
	c.platform = data.Platform
	c.state = StateRegistered
}

// subscribe tags the connection with a release channel.
func (c *Conn) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

// unsubscribe removes a channel tag.
func (c *Conn) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// wantsChannel reports whether the connection subscribed to the channel.
func (c *Conn) wantsChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// close transitions through closing to closed and releases the socket.
// Safe to call more than once.
func (c *Conn) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	_ = c.ws.Close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// ConnInfo is a point-in-time view of a connection for the admin surface.
type ConnInfo struct {
	SessionID    string    `json:"session_id"`
	ClientID     string    `json:"client_id,omitempty"`
	AppVersion   string    `json:"app_version,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	State        ConnState `json:"state"`
	Channels     []string  `json:"channels,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastLiveness time.Time `json:"last_liveness"`
}

func (c *Conn) info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return ConnInfo{
		SessionID:    c.id,
		ClientID:     c.clientID,
		AppVersion:   c.appVersion,
		Platform:     c.platform,
		RemoteAddr:   c.remoteAddr,
		State:        c.state,
		Channels:     channels,
		ConnectedAt:  c.connectedAt,
		LastLiveness: c.lastLiveness,
	}
}
