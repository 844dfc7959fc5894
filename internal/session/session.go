// Package session coordinates the active conversation: which contact is
// selected, its transcript, the relay connection serving it, and the routing
// of inbound events to the transcript, the unread ledger, notifications and
// the presentation surface.
//
// Every contact selection starts a new epoch. Connection handlers are bound to
// the epoch they were created in and events from an older epoch are dropped,
// so a connection that belonged to a previous contact can never deliver into
// the current transcript.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/metrics"
	"github.com/cybershield/messenger/internal/notify"
	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/unread"
	"github.com/cybershield/messenger/internal/wsclient"
)

// UnknownSender names a sender that is not in the known contacts.
const UnknownSender = "Someone"

var (
	// ErrNoContact is returned when an operation needs a selected contact.
	ErrNoContact = errors.New("session: no contact selected")

	// ErrEmptyMessage is returned for blank or whitespace-only text.
	ErrEmptyMessage = chat.ErrEmptyMessage

	// ErrNotConnected is returned when there is no live connection.
	ErrNotConnected = wsclient.ErrNotConnected
)

// Connection is the relay connection used by a session. *wsclient.Conn
// implements it.
type Connection interface {
	Open(identity int64)
	Reconnect()
	Close()
	Send(msg protocol.OutboundMsg) error
	Status() wsclient.Status
	OnMessage(fn func(chat.Message))
	OnAlert(fn func(protocol.Alert))
	OnStatus(fn func(wsclient.Status))
}

// ConnFactory creates a fresh, unopened Connection.
type ConnFactory func() Connection

// HistoryLoader retrieves the stored messages of a conversation, oldest first.
type HistoryLoader interface {
	Conversation(ctx context.Context, contactID int64) ([]chat.Message, error)
}

// Surface receives everything the user should see. Implementations must not
// call back into the Session synchronously.
type Surface interface {
	Loaded(contact chat.Contact, msgs []chat.Message)
	Appended(m chat.Message)
	Status(s wsclient.Status)
	Unread(contactID int64, count, global int)
	Alert(a protocol.Alert)
	Toast(n notify.Notification)
}

// Config holds session parameters.
type Config struct {
	LocalUser   int64
	SettleDelay time.Duration // wait between closing the old connection and opening the new one
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{SettleDelay: 150 * time.Millisecond}
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Connect ConnFactory
	History HistoryLoader
	Ledger  *unread.Ledger
	Gate    *notify.Gate
	Surface Surface
	Clock   wsclient.Clock
}

// Session is the conversation coordinator for one local user.
type Session struct {
	config  Config
	connect ConnFactory
	history HistoryLoader
	ledger  *unread.Ledger
	gate    *notify.Gate
	surface Surface
	clock   wsclient.Clock

	// lifecycle serializes opening and closing connections against epoch
	// changes. It is never held while a handler runs.
	lifecycle sync.Mutex

	mu         sync.Mutex
	epoch      uint64
	active     *chat.Contact
	transcript *chat.Transcript
	conn       Connection
	status     wsclient.Status
	settle     wsclient.Timer
	contacts   map[int64]chat.Contact
}

// New creates a Session. No connection is opened until a contact is selected.
func New(config Config, deps Deps) *Session {
	if deps.Ledger == nil {
		deps.Ledger = unread.NewLedger()
	}
	if deps.Gate == nil {
		deps.Gate = notify.NewGate(notify.PermissionDenied, nil, nil)
	}
	if deps.Surface == nil {
		deps.Surface = nopSurface{}
	}
	if deps.Clock == nil {
		deps.Clock = wsclient.SystemClock{}
	}
	return &Session{
		config:   config,
		connect:  deps.Connect,
		history:  deps.History,
		ledger:   deps.Ledger,
		gate:     deps.Gate,
		surface:  deps.Surface,
		clock:    deps.Clock,
		contacts: make(map[int64]chat.Contact),
	}
}

// Start asks for notification permission if it has not been decided yet.
func (s *Session) Start() notify.Permission {
	return s.gate.RequestOnce()
}

// SetContacts replaces the known contacts used to name notification senders.
func (s *Session) SetContacts(contacts []chat.Contact) {
	m := make(map[int64]chat.Contact, len(contacts))
	for _, c := range contacts {
		m[c.ID] = c
	}
	s.mu.Lock()
	s.contacts = m
	s.mu.Unlock()
}

// Contact returns a known contact by id.
func (s *Session) Contact(id int64) (chat.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// Select makes contact the active conversation. The previous connection is
// closed, the contact's unread count is cleared, its history is loaded, and a
// new connection opens after the settle delay unless another Select or Close
// happens first. A history failure is logged and leaves the transcript empty.
func (s *Session) Select(ctx context.Context, contact chat.Contact) {
	s.lifecycle.Lock()
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.stopSettleLocked()
	old := s.conn
	s.conn = nil
	s.status = wsclient.StatusDisconnected
	active := contact
	s.active = &active
	transcript := chat.NewTranscript(chat.NewPair(s.config.LocalUser, contact.ID))
	s.transcript = transcript
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.lifecycle.Unlock()

	s.surface.Status(wsclient.StatusDisconnected)

	s.ledger.Clear(contact.ID)
	global := s.ledger.GlobalCount()
	metrics.UnreadTotal.Set(float64(global))
	s.surface.Unread(contact.ID, 0, global)

	var msgs []chat.Message
	if s.history != nil {
		loaded, err := s.history.Conversation(ctx, contact.ID)
		if err != nil {
			log.Printf("[session] Loading history with user %d failed: %v", contact.ID, err)
		} else {
			msgs = loaded
		}
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	transcript.Load(msgs)
	s.settle = s.clock.AfterFunc(s.config.SettleDelay, func() { s.open(epoch) })
	s.mu.Unlock()

	s.surface.Loaded(contact, transcript.Messages())
}

// open creates and opens the connection for epoch if it is still current.
func (s *Session) open(epoch uint64) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if epoch != s.epoch || s.conn != nil || s.connect == nil {
		s.mu.Unlock()
		return
	}
	s.settle = nil
	conn := s.connect()
	conn.OnMessage(func(m chat.Message) { s.handleMessage(epoch, m) })
	conn.OnAlert(func(a protocol.Alert) { s.handleAlert(epoch, a) })
	conn.OnStatus(func(st wsclient.Status) { s.handleStatus(epoch, st) })
	s.conn = conn
	local := s.config.LocalUser
	s.mu.Unlock()

	conn.Open(local)
}

// Reconnect manually retries the active connection, e.g. after automatic
// reconnection gave up.
func (s *Session) Reconnect() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	active, conn := s.active, s.conn
	s.mu.Unlock()

	if active == nil {
		return ErrNoContact
	}
	if conn != nil {
		conn.Reconnect()
	}
	return nil
}

// Close ends the session: the pending connect is cancelled and the live
// connection is closed intentionally.
func (s *Session) Close() {
	s.lifecycle.Lock()
	s.mu.Lock()
	s.epoch++
	s.stopSettleLocked()
	old := s.conn
	s.conn = nil
	s.active = nil
	s.status = wsclient.StatusDisconnected
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.lifecycle.Unlock()
}

// Active returns the selected contact.
func (s *Session) Active() (chat.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return chat.Contact{}, false
	}
	return *s.active, true
}

// Status returns the status of the active connection.
func (s *Session) Status() wsclient.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CanCompose reports whether a contact is selected and its connection is up.
func (s *Session) CanCompose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.conn != nil && s.status == wsclient.StatusConnected
}

// Transcript returns the messages of the active conversation.
func (s *Session) Transcript() []chat.Message {
	s.mu.Lock()
	t := s.transcript
	s.mu.Unlock()
	if t == nil {
		return []chat.Message{}
	}
	return t.Messages()
}

// Unread returns the unread count for contactID and the global aggregate.
func (s *Session) Unread(contactID int64) (int, int) {
	return s.ledger.Count(contactID), s.ledger.GlobalCount()
}

// ---------------------------------------------------------------------------
// Inbound event routing
// ---------------------------------------------------------------------------

func (s *Session) handleMessage(epoch uint64, m chat.Message) {
	s.mu.Lock()
	if epoch != s.epoch || s.active == nil {
		s.mu.Unlock()
		metrics.DroppedEventsTotal.WithLabelValues("stale").Inc()
		return
	}
	local := s.config.LocalUser
	active := *s.active
	transcript := s.transcript
	sender, known := s.contacts[m.SenderID]
	s.mu.Unlock()

	// The optimistic local copy is the only copy of our own messages.
	if m.SenderID == local {
		metrics.DroppedEventsTotal.WithLabelValues("self_echo").Inc()
		return
	}

	if m.InConversation(local, active.ID) {
		if transcript.Append(m) {
			s.surface.Appended(m)
		}
		n := notify.NewMessage(active.ID, active.DisplayName(), m.Content)
		s.gate.Notify(n)
		s.surface.Toast(n)
		return
	}

	count := s.ledger.Increment(m.SenderID)
	global := s.ledger.GlobalCount()
	metrics.UnreadTotal.Set(float64(global))
	s.surface.Unread(m.SenderID, count, global)

	name := UnknownSender
	if known {
		name = sender.DisplayName()
	}
	n := notify.NewMessage(m.SenderID, name, m.Content)
	s.gate.Notify(n)
	s.surface.Toast(n)
}

func (s *Session) handleAlert(epoch uint64, a protocol.Alert) {
	if !s.current(epoch) {
		metrics.DroppedEventsTotal.WithLabelValues("stale").Inc()
		return
	}
	s.surface.Alert(a)
}

func (s *Session) handleStatus(epoch uint64, st wsclient.Status) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()

	s.surface.Status(st)
}

func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch == s.epoch
}

func (s *Session) stopSettleLocked() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

type nopSurface struct{}

func (nopSurface) Loaded(chat.Contact, []chat.Message) {}
func (nopSurface) Appended(chat.Message) {}
func (nopSurface) Status(wsclient.Status) {}
func (nopSurface) Unread(int64, int, int) {}
func (nopSurface) Alert(protocol.Alert) {}
func (nopSurface) Toast(notify.Notification) {}
