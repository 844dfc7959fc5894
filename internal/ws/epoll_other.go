//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection peeks at a
// buffered reader and reports readiness, then waits for Resume before peeking
// again so that it never reads concurrently with a worker.
type poller struct {
	mu     sync.Mutex
	resume map[*Connection]chan struct{}
	ready  chan *Connection
	done   chan struct{}
	once   sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		resume: make(map[*Connection]chan struct{}),
		ready:  make(chan *Connection, 128),
		done:   make(chan struct{}),
	}, nil
}

// Add starts watching c. Frames are read from the buffered reader from now on.
func (p *poller) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.rd = br
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[c] = resume
	p.mu.Unlock()

	go p.watch(c, br, resume)
	return nil
}

func (p *poller) watch(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Remove stops watching c.
func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.resume[c]; ok {
		delete(p.resume, c)
		close(ch)
	}
	return nil
}

// Resume lets the watcher of c peek for the next frame.
func (p *poller) Resume(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.resume[c]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait returns at least one ready connection, or net.ErrClosed after Close.
func (p *poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops every watcher.
func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
