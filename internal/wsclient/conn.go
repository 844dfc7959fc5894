// Package wsclient maintains the live relay connection for one conversation.
//
// A Conn owns at most one socket at a time. Every socket it creates is tagged
// with a generation number; events and close notifications from a socket whose
// generation is no longer current are discarded, so a replaced or abandoned
// socket can never mutate state or trigger a reconnect. Unintentional closes
// are retried with exponential backoff up to Config.MaxAttempts times; a close
// with code 1000 (normal closure) is never retried.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/metrics"
	"github.com/cybershield/messenger/internal/protocol"
)

// ErrNotConnected is returned by Send when no live socket exists.
var ErrNotConnected = errors.New("wsclient: not connected")

// Status is the connection state observed by the UI.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the connection parameters.
type Config struct {
	URL              string        // relay endpoint; the identity is appended as a path segment
	BaseDelay        time.Duration // backoff base
	MaxDelay         time.Duration // backoff cap
	MaxAttempts      int           // automatic reconnects before giving up
	HandshakeTimeout time.Duration // bound on a single dial
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws",
		BaseDelay:        1 * time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 2^n, max). With the defaults this yields 2s, 4s, 8s, 16s, 30s.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Conn is a reconnecting relay connection bound to one local identity.
type Conn struct {
	config Config
	dialer Dialer
	clock  Clock

	mu         sync.Mutex
	identity   int64
	status     Status
	sock       Socket
	gen        uint64
	attempts   int
	retry      Timer
	stopped    bool
	cancelDial context.CancelFunc

	onMessage func(chat.Message)
	onAlert   func(protocol.Alert)
	onStatus  func(Status)
}

// New creates a Conn. Nothing is dialed until Open.
func New(config Config, dialer Dialer, clock Clock) *Conn {
	if clock == nil {
		clock = SystemClock{}
	}
	if dialer == nil {
		dialer = NetDialer{}
	}
	return &Conn{
		config: config,
		dialer: dialer,
		clock:  clock,
	}
}

// OnMessage registers the handler for inbound chat messages.
func (c *Conn) OnMessage(fn func(chat.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnAlert registers the handler for inbound moderation alerts.
func (c *Conn) OnAlert(fn func(protocol.Alert)) {
	c.mu.Lock()
	c.onAlert = fn
	c.mu.Unlock()
}

// OnStatus registers the handler for status transitions.
func (c *Conn) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the number of automatic reconnects scheduled since the last
// successful open.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Open connects as identity. Any existing socket is closed with code 1000
// first, any pending retry is cancelled, and the attempt counter is reset.
func (c *Conn) Open(identity int64) {
	c.mu.Lock()
	c.identity = identity
	c.attempts = 0
	c.stopped = false
	start := c.connectLocked()
	c.mu.Unlock()
	start()
}

// Reconnect re-opens with the last identity. It is the manual retry offered
// once automatic attempts are exhausted.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	c.Open(identity)
}

// Close shuts the connection down intentionally. No reconnect follows and
// late events from the closed socket are ignored.
func (c *Conn) Close() {
	c.mu.Lock()
	c.stopped = true
	c.stopRetryLocked()
	c.cancelDialLocked()
	c.gen++
	old := c.sock
	c.sock = nil
	notify := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if old != nil {
		closeSocket(old)
	}
	notify()
}

// Send writes an outbound chat frame on the live socket.
func (c *Conn) Send(msg protocol.OutboundMsg) error {
	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sock := c.sock
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if sock == nil || !connected {
		return ErrNotConnected
	}
	if err := sock.Write(data); err != nil {
		return fmt.Errorf("wsclient: send: %w", err)
	}
	return nil
}

// connectLocked tears down the current socket and starts a new dial under a
// fresh generation. The returned func must be called after releasing mu.
func (c *Conn) connectLocked() func() {
	c.stopRetryLocked()
	c.cancelDialLocked()

	old := c.sock
	c.sock = nil
	c.gen++
	gen := c.gen

	url := fmt.Sprintf("%s/%d", strings.TrimRight(c.config.URL, "/"), c.identity)
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
	c.cancelDial = cancel

	notify := c.setStatusLocked(StatusConnecting)
	return func() {
		if old != nil {
			closeSocket(old)
		}
		notify()
		go c.dial(ctx, cancel, gen, url)
	}
}

func (c *Conn) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, url string) {
	sock, err := c.dialer.Dial(ctx, url)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			closeSocket(sock)
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		log.Printf("[wsclient] Dial failed (identity=%d): %v", c.identity, err)
		after := c.disconnectedLocked(ws.StatusAbnormalClosure)
		c.mu.Unlock()
		after()
		return
	}

	c.sock = sock
	c.attempts = 0
	notify := c.setStatusLocked(StatusConnected)
	identity := c.identity
	c.mu.Unlock()

	log.Printf("[wsclient] Connected as user %d", identity)
	notify()
	go c.readLoop(gen, sock)
}

func (c *Conn) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.Read()
		if err != nil {
			code := CloseCode(err)

			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			if code != ws.StatusNormalClosure {
				log.Printf("[wsclient] Connection lost (code=%d): %v", code, err)
			}
			after := c.disconnectedLocked(code)
			c.mu.Unlock()
			after()
			return
		}
		c.deliver(gen, data)
	}
}

func (c *Conn) deliver(gen uint64, data []byte) {
	c.mu.Lock()
	current := gen == c.gen
	onMessage, onAlert := c.onMessage, c.onAlert
	c.mu.Unlock()

	if !current {
		metrics.DroppedEventsTotal.WithLabelValues("stale").Inc()
		return
	}

	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[wsclient] Dropping malformed frame (%d bytes): %v", len(data), err)
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		return
	}

	switch msgType {
	case protocol.TypeAlert:
		if onAlert != nil {
			onAlert(msg.(protocol.Alert))
		}
	default:
		if onMessage != nil {
			onMessage(msg.(protocol.ChatMessage).Message())
		}
	}
}

// disconnectedLocked records the loss of the current socket and schedules a
// retry when the close was unintentional and attempts remain.
func (c *Conn) disconnectedLocked(code ws.StatusCode) func() {
	c.sock = nil
	notify := c.setStatusLocked(StatusDisconnected)

	if c.stopped || code == ws.StatusNormalClosure {
		return notify
	}
	if c.attempts >= c.config.MaxAttempts {
		log.Printf("[wsclient] Giving up after %d reconnect attempts (identity=%d)", c.attempts, c.identity)
		return notify
	}

	c.attempts++
	delay := Backoff(c.attempts, c.config.BaseDelay, c.config.MaxDelay)
	gen := c.gen
	c.retry = c.clock.AfterFunc(delay, func() { c.retryFire(gen) })
	metrics.ReconnectsTotal.Inc()
	log.Printf("[wsclient] Reconnecting in %v (attempt %d/%d)", delay, c.attempts, c.config.MaxAttempts)
	return notify
}

func (c *Conn) retryFire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	start := c.connectLocked()
	c.mu.Unlock()
	start()
}

func (c *Conn) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Conn) cancelDialLocked() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

// setStatusLocked updates the status and returns a func that notifies the
// status handler outside the lock. It is a no-op when nothing changed.
func (c *Conn) setStatusLocked(s Status) func() {
	if c.status == s {
		return func() {}
	}
	c.status = s
	metrics.ConnectionStatus.Set(float64(s))
	fn := c.onStatus
	return func() {
		if fn != nil {
			fn(s)
		}
	}
}

func closeSocket(s Socket) {
	if err := s.Close(ws.StatusNormalClosure); err != nil {
		log.Printf("[wsclient] Close error: %v", err)
	}
}
