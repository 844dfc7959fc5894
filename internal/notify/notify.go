// Package notify raises user-facing new-message notifications, gated on the
// user having granted notification permission.
package notify

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Permission is the user's notification decision.
type Permission string

const (
	PermissionDefault Permission = "default" // not yet asked
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notification is a single new-message notification.
type Notification struct {
	Title     string
	Body      string
	ContactID int64
}

// Title returns the notification title for a message from name.
func Title(name string) string {
	return "New message from " + name
}

// NewMessage builds the notification for a message from name.
func NewMessage(contactID int64, name, content string) Notification {
	return Notification{
		Title:     Title(name),
		Body:      content,
		ContactID: contactID,
	}
}

// Sink delivers notifications to the user.
type Sink interface {
	Deliver(n Notification) error
}

// Requester asks the user for notification permission.
type Requester interface {
	RequestPermission() Permission
}

// Gate delivers notifications only after permission was granted.
type Gate struct {
	mu         sync.Mutex
	permission Permission
	requester  Requester
	sink       Sink
}

// NewGate creates a Gate starting at permission p.
func NewGate(p Permission, requester Requester, sink Sink) *Gate {
	if p == "" {
		p = PermissionDefault
	}
	return &Gate{permission: p, requester: requester, sink: sink}
}

// Permission returns the current decision.
func (g *Gate) Permission() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permission
}

// RequestOnce asks the requester for permission if the decision is still
// undetermined. Once granted or denied it never asks again.
func (g *Gate) RequestOnce() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.permission != PermissionDefault || g.requester == nil {
		return g.permission
	}
	p := g.requester.RequestPermission()
	if p == PermissionGranted || p == PermissionDenied {
		g.permission = p
	}
	return g.permission
}

// Notify delivers n when permission is granted. It reports whether n was
// delivered; sink errors are logged.
func (g *Gate) Notify(n Notification) bool {
	g.mu.Lock()
	granted := g.permission == PermissionGranted
	sink := g.sink
	g.mu.Unlock()

	if !granted || sink == nil {
		return false
	}
	if err := sink.Deliver(n); err != nil {
		log.Printf("[notify] Deliver failed: %v", err)
		return false
	}
	return true
}

// TerminalSink rings the terminal bell and prints the notification.
type TerminalSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminalSink creates a sink writing to out.
func NewTerminalSink(out io.Writer) *TerminalSink {
	return &TerminalSink{out: out}
}

// Deliver writes "\a<title>: <body>".
func (s *TerminalSink) Deliver(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.out, "\a%s: %s\n", n.Title, n.Body); err != nil {
		return fmt.Errorf("notify: write: %w", err)
	}
	return nil
}

// Fixed is a Requester that always answers with the same decision, used when
// the decision comes from configuration.
type Fixed Permission

// RequestPermission returns the fixed decision.
func (f Fixed) RequestPermission() Permission {
	return Permission(f)
}
