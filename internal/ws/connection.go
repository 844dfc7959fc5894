package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one live client socket bound to a user. Writes are serialized
// by a per-connection mutex so that application frames, pings and close
// frames never interleave.
type Connection struct {
	ID        string    // connection id (UUID), distinct for every upgrade
	UserID    int64     // identity taken from the upgrade path
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for poller lookups, -1 when unknown
	CreatedAt time.Time // when the connection was established

	rd         io.Reader // frame source; the poller may substitute a buffered reader
	lastActive int64     // unix nanos of the last frame received
	writeMu    sync.Mutex
	processing int32 // 1 while a worker is reading a frame
	closed     int32
}

func newConnection(id string, userID int64, conn net.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		rd:        conn,
	}
	c.touch(now)
	return c
}

// LastActive returns when the last frame was received from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

func (c *Connection) touch(t time.Time) {
	atomic.StoreInt64(&c.lastActive, t.UnixNano())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WriteClose sends a close frame with the given status code. The socket stays
// open; call Close afterwards.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

// ConnectionManager indexes live connections by connection id and user. A user has at most one registered connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[int64]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[int64]*Connection),
	}
}

// Add registers c. If the user already had a connection, that connection is
// unregistered and returned so the caller can close it.
func (cm *ConnectionManager) Add(c *Connection) (replaced *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if old, ok := cm.byUser[c.UserID]; ok && old != c {
		cm.unlinkLocked(old)
		replaced = old
	}
	cm.byID[c.ID] = c
	cm.byUser[c.UserID] = c
	return replaced
}

// Remove unregisters c. It reports false when c was not registered, which
// makes concurrent removals of the same connection idempotent.
func (cm *ConnectionManager) Remove(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.byID[c.ID] != c {
		return false
	}
	cm.unlinkLocked(c)
	return true
}

func (cm *ConnectionManager) unlinkLocked(c *Connection) {
	delete(cm.byID, c.ID)
	if cm.byUser[c.UserID] == c {
		delete(cm.byUser, c.UserID)
	}
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// ForUser returns the live connection of userID, or nil.
func (cm *ConnectionManager) ForUser(userID int64) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byUser[userID]
}

// Count returns the number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the registered connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	return conns
}
