package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Socket is one established duplex connection. Read blocks until a complete
// data frame arrives; when the peer closes the connection Read returns a
// wsutil.ClosedError carrying the peer's close code.
type Socket interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close(code ws.StatusCode) error
}

// Dialer opens sockets. The context bounds the handshake only.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Reconnect backoff and the conversation settle
// delay both go through a Clock so tests can fire them deterministically.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the wall-clock implementation of Clock.
type SystemClock struct{}

// AfterFunc calls f in its own goroutine after d.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// CloseCode extracts the WebSocket close code from a read error. Errors that
// are not a close handshake (reset, EOF, failed dial) map to 1006.
func CloseCode(err error) ws.StatusCode {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ws.StatusAbnormalClosure
}

// NetDialer dials real WebSocket connections with gobwas/ws.
type NetDialer struct {
	Dialer ws.Dialer
}

// Dial performs the WebSocket handshake against url.
func (d NetDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, br, _, err := d.Dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", url, err)
	}

	// br holds bytes the server sent right after the handshake; it reads
	// through to conn once drained.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &netSocket{conn: conn, r: r}, nil
}

// netSocket is a client-side gobwas connection. Writes are serialized so
// control replies from the read path never interleave with data frames.
type netSocket struct {
	conn net.Conn
	r    io.Reader
	wmu  sync.Mutex
}

// Read returns the payload of the next data frame. Ping frames are answered
// inline and a close frame is acknowledged before returning ClosedError.
func (s *netSocket) Read() ([]byte, error) {
	for {
		header, reader, err := wsutil.NextReader(s.r, ws.StateClientSide)
		if err != nil {
			return nil, err
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			return nil, err
		}

		if !header.OpCode.IsControl() {
			if len(payload) == 0 {
				continue
			}
			return payload, nil
		}

		switch header.OpCode {
		case ws.OpPing:
			if err := s.writeFrame(ws.OpPong, payload); err != nil {
				return nil, err
			}
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(payload)
			if code == 0 {
				code = ws.StatusNoStatusRcvd
			}
			_ = s.writeFrame(ws.OpClose, ws.NewCloseFrameBody(code, ""))
			return nil, wsutil.ClosedError{Code: code, Reason: reason}
		}
	}
}

// Write sends data as a single text frame.
func (s *netSocket) Write(data []byte) error {
	return s.writeFrame(ws.OpText, data)
}

// Close sends a close frame with code and closes the underlying connection.
func (s *netSocket) Close(code ws.StatusCode) error {
	_ = s.writeFrame(ws.OpClose, ws.NewCloseFrameBody(code, ""))
	return s.conn.Close()
}

func (s *netSocket) writeFrame(op ws.OpCode, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteClientMessage(s.conn, op, p)
}
