// Package ws is the relay's WebSocket front end. Clients connect on
// /ws/{user_id}; every user holds at most one live connection and a newer
// connection replaces the older one, which is closed with a normal closure.
//
// Sockets are multiplexed with epoll on Linux and handed to a bounded worker
// pool when a frame is ready, so idle connections cost no goroutine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cybershield/messenger/internal/metrics"
)

// maxFrameBytes bounds a single client frame.
const maxFrameBytes = 64 << 10

// ErrNotConnected is returned by SendToUser when the user has no live
// connection on this relay.
var ErrNotConnected = errors.New("ws: user not connected")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // bound on reading one ready frame
	WriteTimeout   time.Duration // bound on writing one frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Hooks are the application callbacks. OnMessage runs on a worker goroutine;
// OnConnect and OnDisconnect run synchronously on the goroutine that
// registered or removed the connection. Admit runs before the upgrade and
// refuses it with 429 when it returns false. OnHeartbeat runs after every
// successful ping.
type Hooks struct {
	Admit        func(userID int64) bool
	OnConnect    func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection)
	OnHeartbeat  func(c *Connection)
}

// Server accepts WebSocket upgrades and routes frames to Hooks.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	router     *mux.Router
	poller     *poller
	conns      *ConnectionManager
	workerPool chan struct{}
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Additional routes (REST API, metrics) may be
// mounted on Router before Start.
func NewServer(config ServerConfig, hooks Hooks) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	s := &Server{
		config:     config,
		hooks:      hooks,
		router:     mux.NewRouter(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	s.router.HandleFunc("/ws/{user_id:[0-9]+}", s.handleUpgrade).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Router returns the HTTP router serving the upgrade and health endpoints.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Init creates the poller and starts the event loop and the heartbeat. Start
// calls it; tests that serve Router themselves call it directly.
func (s *Server) Init() error {
	p, err := newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Start initializes the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.hooks.Admit != nil && !s.hooks.Admit(userID) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%d: %v", userID, err)
		return
	}

	c := newConnection(uuid.New().String(), userID, netConn)
	if old := s.conns.Add(c); old != nil {
		log.Printf("ws: user=%d reconnected, replacing conn=%s", userID, old.ID)
		s.evict(old, ws.StatusNormalClosure, "replaced by a newer connection")
	}
	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}
	log.Printf("ws: new connection conn=%s user=%d fd=%d (total=%d)", c.ID, userID, c.Fd, s.conns.Count())
}

// handleHealth reports the connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits for ready connections and hands each to a worker,
// bounded by the worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ws: poller wait error: %v", err)
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered here; data frames go to Hooks.OnMessage.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) != c {
		return
	}
	// Level-triggered epoll may report the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.Resume(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	if header.Length > maxFrameBytes {
		s.evict(c, ws.StatusMessageTooBig, "frame too large")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.touch(time.Now())

	switch header.OpCode {
	case ws.OpPing:
		c.writeMu.Lock()
		err := ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
		c.writeMu.Unlock()
		if err != nil {
			s.RemoveConnection(c)
		}
		return
	case ws.OpPong:
		return
	case ws.OpClose:
		code, _ := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNoStatusRcvd
		}
		s.evict(c, code, "")
		return
	}

	if len(payload) == 0 || s.hooks.OnMessage == nil {
		return
	}
	s.hooks.OnMessage(c, payload)
}

// evict sends a close frame before removing c.
func (s *Server) evict(c *Connection, code ws.StatusCode, reason string) {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = c.WriteClose(code, reason)
	s.RemoveConnection(c)
}

// RemoveConnection unregisters and closes c. Concurrent removals of the same
// connection are safe. The disconnect hook runs only for a connection that
// was still registered, so a connection replaced by a newer one for the same
// user never triggers it.
func (s *Server) RemoveConnection(c *Connection) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	registered := s.conns.Remove(c)
	_ = c.Close()
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if registered && s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	log.Printf("ws: connection closed conn=%s user=%d (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendToUser writes a text frame to the live connection of userID.
func (s *Server) SendToUser(userID int64, data []byte) error {
	c := s.conns.ForUser(userID)
	if c == nil {
		return ErrNotConnected
	}
	return s.send(c, data)
}

func (s *Server) send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connected reports whether userID has a live connection on this server.
func (s *Server) Connected(userID int64) bool {
	return s.conns.ForUser(userID) != nil
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection with a going-away
// status and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")
	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.evict(c, ws.StatusGoingAway, "server shutting down")
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
