package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/txn2/update-hub/pkg/auth"
	"github.com/txn2/update-hub/pkg/ratelimit"
	"github.com/txn2/update-hub/pkg/version"
)

// Config tunes the hub's timing behavior.
type Config struct {
	// HeartbeatInterval is how often the hub pushes heartbeat frames and
	// protocol pings to every connection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ConnectionTimeout is how long a connection may show no liveness
	// before the sweep removes it.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the hub timing defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 90 * time.Second,
		SweepInterval:     15 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}

// Hub owns every live connection on this node. Broadcasts fan out to the
// in-process registry only; cross-node fan-out is out of scope.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	sessions SessionStore
	limiter  ratelimit.Limiter
	gate     *auth.Gate
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Hub. gate may be nil for an open socket endpoint.
func New(cfg Config, sessions SessionStore, limiter ratelimit.Limiter, gate *auth.Gate, logger *slog.Logger) *Hub {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Update clients are native applications, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: sessions,
		limiter:  limiter,
		gate:     gate,
		logger:   logger,
		conns:    make(map[string]*Conn),
	}
}

// HandleWS admits and upgrades a socket request. Rate limiting and
// authentication both happen before the upgrade so rejections are plain
// HTTP responses.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	decision, err := h.limiter.Check(r.Context(), connectKey(r), ratelimit.CategoryConnect)
	if err != nil {
		h.logger.Error("connect rate limit check failed", "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())+1))
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if h.gate != nil {
		p, err := h.gate.Authenticate(r)
		if err != nil {
			h.logger.Warn("socket handshake rejected", "remote", r.RemoteAddr, "error", err)
		}
		if p == nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(uuid.NewString(), ws, r.RemoteAddr, h.cfg.WriteTimeout)
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	welcome, _ := NewFrame(FrameWelcome, WelcomeData{
		SessionID:           conn.id,
		HeartbeatIntervalMS: h.cfg.HeartbeatInterval.Milliseconds(),
	})
	if err := conn.send(welcome); err != nil {
		h.logger.Warn("welcome frame failed", "session_id", conn.id, "error", err)
		h.Remove(conn.id)
		return
	}

	h.logger.Info("connection established", "session_id", conn.id, "remote", r.RemoteAddr)
	go h.readLoop(conn)
}

// connectKey picks the rate-limit identity for a handshake: the declared
// client id when present, the remote host otherwise.
func connectKey(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) readLoop(conn *Conn) {
	defer h.Remove(conn.id)

	for {
		var frame Frame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection read failed", "session_id", conn.id, "error", err)
			}
			return
		}
		conn.touch()
		h.handleFrame(conn, frame)
	}
}

func (h *Hub) handleFrame(conn *Conn, frame Frame) {
	switch frame.Type {
	case FrameRegister:
		var data RegisterData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.ClientID == "" {
			h.sendError(conn, "register requires a client_id")
			return
		}
		conn.register(data)
		rec := &SessionRecord{
			ID:          conn.id,
			ClientID:    data.ClientID,
			AppVersion:  data.AppVersion,
			Platform:    data.Platform,
			RemoteAddr:  conn.remoteAddr,
			ConnectedAt: conn.connectedAt,
			LastSeenAt:  time.Now(),
		}
		if err := h.sessions.Create(context.Background(), rec); err != nil {
			h.logger.Error("persisting session record failed", "session_id", conn.id, "error", err)
		}
		h.ack(conn, FrameRegistered, RegisteredData{SessionID: conn.id})
		h.logger.Info("client registered",
			"session_id", conn.id,
			"client_id", data.ClientID,
			"app_version", data.AppVersion)

	case FramePing:
		if err := h.sessions.Touch(context.Background(), conn.id); err != nil {
			h.logger.Warn("touching session record failed", "session_id", conn.id, "error", err)
		}
		h.ack(conn, FramePong, nil)

	case FrameSubscribe:
		channel, ok := h.channelFrom(conn, frame)
		if !ok {
			return
		}
		conn.subscribe(channel)
		h.ack(conn, FrameSubscribed, ChannelData{Channel: channel})

	case FrameUnsubscribe:
		channel, ok := h.channelFrom(conn, frame)
		if !ok {
			return
		}
		conn.unsubscribe(channel)
		h.ack(conn, FrameUnsubscribed, ChannelData{Channel: channel})

	default:
		h.sendError(conn, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (h *Hub) channelFrom(conn *Conn, frame Frame) (string, bool) {
	var data ChannelData
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.Channel == "" {
		h.sendError(conn, string(frame.Type)+" requires a channel")
		return "", false
	}
	return data.Channel, true
}

func (h *Hub) ack(conn *Conn, t FrameType, data any) {
	frame, err := NewFrame(t, data)
	if err != nil {
		h.logger.Error("building ack frame failed", "type", string(t), "error", err)
		return
	}
	if err := conn.send(frame); err != nil {
		h.Remove(conn.id)
	}
}

func (h *Hub) sendError(conn *Conn, message string) {
	frame, _ := NewFrame(FrameError, ErrorData{Message: message})
	if err := conn.send(frame); err != nil {
		h.Remove(conn.id)
	}
}

// Broadcast sends the frame to every connection. Sends happen outside the
// registry lock; a failed send removes only that connection.
func (h *Hub) Broadcast(frame Frame) {
	h.sendTo(h.snapshotConns(), frame)
}

// BroadcastChannel sends the frame only to connections subscribed to the
// channel. Unsubscribed connections never receive channel traffic.
func (h *Hub) BroadcastChannel(channel string, frame Frame) {
	var targets []*Conn
	for _, conn := range h.snapshotConns() {
		if conn.wantsChannel(channel) {
			targets = append(targets, conn)
		}
	}
	h.sendTo(targets, frame)
}

func (h *Hub) snapshotConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) sendTo(conns []*Conn, frame Frame) {
	for _, conn := range conns {
		if err := conn.send(frame); err != nil {
			h.logger.Warn("broadcast send failed, removing connection",
				"session_id", conn.id, "error", err)
			h.Remove(conn.id)
		}
	}
}

// Remove drops a connection from the registry, closes its socket, and marks
// the durable record disconnected. Idempotent.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	conn, ok := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	conn.close()
	if err := h.sessions.MarkDisconnected(context.Background(), sessionID); err != nil {
		h.logger.Warn("marking session disconnected failed", "session_id", sessionID, "error", err)
	}
	h.logger.Info("connection removed", "session_id", sessionID)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Snapshot returns a point-in-time view of every connection, ordered by
// connect time.
func (h *Hub) Snapshot() []ConnInfo {
	conns := h.snapshotConns()
	out := make([]ConnInfo, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// VersionActivated broadcasts update availability for a newly activated
// version. Channel-tagged versions reach only their subscribers; untagged
// versions reach every connection.
func (h *Hub) VersionActivated(v *version.Version) {
	frame, err := NewFrame(FrameUpdateAvailable, UpdateAvailableData{
		Version:   v.VersionNumber,
		Mandatory: v.Mandatory,
		Channel:   v.ReleaseChannel,
	})
	if err != nil {
		h.logger.Error("building update_available frame failed", "error", err)
		return
	}

	h.logger.Info("broadcasting update availability",
		"version", v.VersionNumber,
		"mandatory", v.Mandatory,
		"channel", v.ReleaseChannel,
		"connections", h.Count())

	if v.ReleaseChannel == "" {
		h.Broadcast(frame)
		return
	}
	h.BroadcastChannel(v.ReleaseChannel, frame)
}

// StartRoutines launches the heartbeat and liveness-sweep goroutines. They
// are stopped when Close is called.
func (h *Hub) StartRoutines() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(2)
	go h.heartbeatLoop(ctx)
	go h.sweepLoop(ctx)
}

// heartbeatLoop pushes a heartbeat frame and a protocol ping to every
// connection. A connection that cannot be written to is removed right away.
func (h *Hub) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, _ := NewFrame(FrameHeartbeat, nil)
			for _, conn := range h.snapshotConns() {
				if err := conn.send(frame); err != nil {
					h.Remove(conn.id)
					continue
				}
				if err := conn.ping(); err != nil {
					h.Remove(conn.id)
				}
			}
		}
	}
}

// sweepLoop removes connections that showed no liveness within the
// connection timeout. It runs on its own interval so a slow heartbeat never
// delays stale detection.
func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.ConnectionTimeout)
			for _, conn := range h.snapshotConns() {
				if conn.staleSince(cutoff) {
					h.logger.Info("removing stale connection", "session_id", conn.id)
					h.Remove(conn.id)
				}
			}
		}
	}
}

// Close stops the background routines and closes every connection.
// Safe to call if StartRoutines was never called.
func (h *Hub) Close() error {
	if h.cancel != nil {
		h.cancel()
		h.wg.Wait()
	}
	for _, conn := range h.snapshotConns() {
		h.Remove(conn.id)
	}
	return nil
}

// Verify interface compliance.
var _ version.ActivationListener = (*Hub)(nil)
