package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket
// ============================================================================
// Live filter state for monitors and overlays. Three pieces:
//   - Hub: the set of connected clients plus non-blocking fanout
//   - Client: one connection with its own outbox and read/write pumps
//   - RunBroadcaster: turns reducer broadcasts into wire frames, coalescing
//     bursty axis updates per stream
//
// The daemon state itself never crosses into this layer. The connect-time
// snapshot travels through the daemon loop like any other event, and
// everything after that arrives as ReduceResult.Broadcasts. A client that
// stops draining its outbox gets dropped; it can reconnect and start from a
// fresh snapshot.
//
// Frames are JSON text messages shaped {type, ts, data}: "state_init" with a
// full StateSnapshot on connect, then "axis_changed" and "filtering_changed"
// deltas.
// ============================================================================

// wsAxisChangedData is the "axis_changed" payload.
type wsAxisChangedData struct {
	Device   string  `json:"device"`
	Axis     string  `json:"axis"`
	HiRes    bool    `json:"hi_res"`
	State    string  `json:"state"`
	Position float64 `json:"position"`
	Pending  float64 `json:"pending"`
}

// wsFilteringChangedData is the "filtering_changed" payload.
type wsFilteringChangedData struct {
	Enabled bool `json:"enabled"`
}

// wsEnvelope is the wire shape of every frame.
type wsEnvelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// stateFrame is a frame waiting to be serialized. A zero At means the frame
// is stamped at delivery.
type stateFrame struct {
	Type string
	Data any
	At   time.Time
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 30 * time.Second
	wsPingEvery    = 20 * time.Second
)

// wsAxisCoalesceWindow bounds how often one stream's axis frames go out.
// Hi-res wheels push hundreds of updates a second; clients need ~20 Hz.
// Latest-wins within the window, and the window never extends on new
// updates, so a steady burst still renders at a steady rate.
const wsAxisCoalesceWindow = 50 * time.Millisecond

// ==============================
// Hub
// ==============================

// Hub fans serialized frames out to every connected client. Clients attach
// and drop from handler and pump goroutines; the client set is mutex-guarded
// and fanout never blocks on any one client.
type Hub struct {
	logger *slog.Logger

	frames chan []byte // serialized frames awaiting fanout

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbox size. Zero picks a default.
	SendBuf int

	// BroadcastBuf is the fanout queue size. Zero picks a default.
	BroadcastBuf int
}

// NewHub builds a hub. Nothing moves until Run is started.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	frameBuf := cfg.BroadcastBuf
	if frameBuf <= 0 {
		frameBuf = 128
	}

	return &Hub{
		logger:  logger,
		frames:  make(chan []byte, frameBuf),
		clients: make(map[*Client]struct{}),
		sendBuf: sendBuf,
	}
}

// Run drains the frame queue until ctx is canceled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub running")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping")
			h.dropAll()
			return
		case msg := <-h.frames:
			h.fanout(msg)
		}
	}
}

// Publish queues one serialized frame for fanout. Never blocks; a full queue
// drops the frame.
func (h *Hub) Publish(msg []byte) {
	select {
	case h.frames <- msg:
	default:
		h.logger.Warn("ws frame queue full, dropping", "bytes", len(msg))
	}
}

// fanout copies one frame into every client outbox. Clients whose outbox is
// full are collected under the lock and dropped after, so the set is never
// mutated mid-range.
func (h *Hub) fanout(msg []byte) {
	var stalled []*Client

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.outbox <- msg:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.drop(c, "send buffer full")
	}
}

// attach adds a client to the fanout set.
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws client connected", "remote_addr", c.remoteAddr, "clients", n)
}

// drop removes a client, closes its connection, and closes its outbox so the
// write pump exits. Safe to call more than once per client.
func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.closeOutbox()

	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "remaining", n)
}

// deliver queues a frame for one specific client if it is still attached.
// Sending under the lock keeps the enqueue ordered against a concurrent drop
// closing the outbox.
func (h *Hub) deliver(c *Client, msg []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, present := h.clients[c]; !present {
		return false
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeOutbox()
	}
}

// ==============================
// Client
// ==============================

// Client is one websocket connection. The outbox decouples fanout from the
// socket; pumps own all reads and writes on the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	outbox    chan []byte
	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		outbox:     make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// closeOutbox is idempotent; the hub may drop a client on several paths.
func (c *Client) closeOutbox() {
	c.closeOnce.Do(func() { close(c.outbox) })
}

// write applies the write deadline and sends one frame.
func (c *Client) write(messageType int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(messageType, payload)
}

// logClosed records why a pump exited, quieting the expected close paths.
func (c *Client) logClosed(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Info("ws connection closed", "remote_addr", c.remoteAddr, "op", op, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Info("ws connection lost", "remote_addr", c.remoteAddr, "op", op, "error", err)
}

// writePump drains the outbox onto the wire and keeps the connection alive
// with pings. A closed outbox means the hub dropped us; say goodbye and exit.
func (c *Client) writePump(ctx context.Context) {
	pings := time.NewTicker(wsPingEvery)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, open := <-c.outbox:
			if !open {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logClosed("write", err)
				return
			}

		case <-pings.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logClosed("ping", err)
				return
			}
		}
	}
}

// readPump discards inbound traffic; its job is control-frame handling and
// disconnect detection. Pong replies are what refresh the read deadline.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logClosed("read", err)
			if c.hub != nil {
				c.hub.drop(c, "read closed")
			}
			return
		}
	}
}

// ==============================
// HTTP server
// ==============================

// Server owns the ws endpoint: upgrade, snapshot handshake, pump startup.
type Server struct {
	logger *slog.Logger
	hub    *Hub

	// Snapshot requests travel through the daemon loop like any other event.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer builds the ws server parts. The caller registers the handler on
// a mux, runs hub.Run, and runs RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register mounts the ws handler at path.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// Local monitoring endpoint; any origin may read it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn, r.RemoteAddr, s.logger)
	s.hub.attach(client)

	// Pump lifetimes belong to the hub and the connection, not to
	// r.Context(): net/http cancels that context when this handler returns,
	// which would kill the pumps mid-connection (clients would see close
	// code 1006).
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}
	if err := s.sendInit(client, r); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("ws state_init failed", "remote_addr", r.RemoteAddr, "error", err)
	}
}

// sendInit runs the snapshot round-trip through the daemon loop and queues
// the state_init frame. The request context bounds the wait so a client that
// vanished mid-handshake does not pin this goroutine.
func (s *Server) sendInit(client *Client, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case s.events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	var snap StateSnapshot
	select {
	case snap = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	now := time.Now().UTC()
	msg, err := json.Marshal(wsEnvelope{Type: "state_init", Ts: &now, Data: snap})
	if err != nil {
		return err
	}

	// A client backlogged before its first frame is not going to recover.
	if !s.hub.deliver(client, msg) {
		s.hub.drop(client, "init backlog")
		return errors.New("client backlogged before init")
	}
	return nil
}

// ==============================
// Broadcaster
// ==============================

// stateBroadcaster holds the coalescing state for RunBroadcaster: the latest
// pending axis frame per stream, and one timer for the open window.
type stateBroadcaster struct {
	hub    *Hub
	logger *slog.Logger

	pending map[string]stateFrame
	timer   *time.Timer
	timerCh <-chan time.Time
}

// RunBroadcaster consumes reducer broadcasts and publishes them as frames.
// Axis updates coalesce per stream inside wsAxisCoalesceWindow; everything
// else goes out immediately. Runs as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	bc := &stateBroadcaster{
		hub:     hub,
		logger:  logger,
		pending: make(map[string]stateFrame),
	}

	for {
		select {
		case <-ctx.Done():
			bc.flush()
			bc.stopTimer()
			return

		case <-bc.timerCh:
			bc.flush()
			bc.stopTimer()

		case b, open := <-src:
			if !open {
				bc.flush()
				bc.stopTimer()
				logger.Info("ws broadcaster stopping (broadcast source closed)")
				return
			}
			bc.consume(b)
		}
	}
}

// consume routes one reducer broadcast. Unknown broadcast types are dropped.
func (bc *stateBroadcaster) consume(b StateBroadcast) {
	switch ev := b.(type) {
	case BroadcastAxisChanged:
		key := ev.Device + "/" + ev.Axis
		if ev.HiRes {
			key += "/hi-res"
		}
		bc.pending[key] = stateFrame{
			Type: "axis_changed",
			Data: wsAxisChangedData{
				Device:   ev.Device,
				Axis:     ev.Axis,
				HiRes:    ev.HiRes,
				State:    ev.State,
				Position: ev.Position,
				Pending:  ev.Pending,
			},
			At: ev.At,
		}
		bc.armTimer()

	case BroadcastFilteringChanged:
		// Pause/resume is never delayed, and queued axis frames go out first
		// so clients see state changes in order.
		bc.flush()
		bc.stopTimer()
		bc.emit(stateFrame{
			Type: "filtering_changed",
			Data: wsFilteringChangedData{Enabled: ev.Enabled},
			At:   ev.At,
		})
	}
}

// flush publishes every pending axis frame and clears the map.
func (bc *stateBroadcaster) flush() {
	for key, f := range bc.pending {
		bc.emit(f)
		delete(bc.pending, key)
	}
}

// emit serializes one frame and hands it to the hub.
func (bc *stateBroadcaster) emit(f stateFrame) {
	ts := f.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	msg, err := json.Marshal(wsEnvelope{Type: f.Type, Ts: &ts, Data: f.Data})
	if err != nil {
		bc.logger.Warn("ws frame marshal failed", "type", f.Type, "error", err)
		return
	}
	bc.hub.Publish(msg)
}

// armTimer opens a coalescing window if one is not already open. The window
// is never extended; a steady burst flushes once per window.
func (bc *stateBroadcaster) armTimer() {
	if bc.timer != nil {
		return
	}
	bc.timer = time.NewTimer(wsAxisCoalesceWindow)
	bc.timerCh = bc.timer.C
}

func (bc *stateBroadcaster) stopTimer() {
	if bc.timer == nil {
		return
	}
	if !bc.timer.Stop() {
		select {
		case <-bc.timer.C:
		default:
		}
	}
	bc.timer = nil
	bc.timerCh = nil
}
