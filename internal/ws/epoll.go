//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds a single epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 200

// poller reports connections with pending input using Linux epoll, so idle
// connections cost no goroutine.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness and hang-up notifications.
func (p *poller) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

// Remove unregisters c. Removing an unknown connection is a no-op.
func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, c.Fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is called after a ready connection has been handled. Epoll is level
// triggered, so nothing needs re-arming.
func (p *poller) Resume(*Connection) {}

// Wait blocks until connections are ready or the wait times out, in which case
// it returns an empty slice.
func (p *poller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Close releases the epoll descriptor.
func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
