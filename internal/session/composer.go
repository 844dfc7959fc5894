package session

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/wsclient"
)

// Composer sends messages in the active conversation of a Session.
//
// Sent messages are appended to the transcript before the relay sees them and
// carry a provisional id derived from the wall clock in milliseconds. Ids are
// bumped when needed so they are strictly increasing per Composer.
type Composer struct {
	session *Session
	now     func() time.Time

	mu     sync.Mutex
	lastID int64
}

// NewComposer creates a Composer for s.
func NewComposer(s *Session) *Composer {
	return &Composer{session: s, now: time.Now}
}

// Compose sends text to contact. It returns ErrEmptyMessage for blank text,
// ErrNoContact when contact is nil or not the selected contact,
// ErrNotConnected when the connection is not up, and the validation error for
// oversized or invalid text. Nothing is appended or sent in those cases.
//
// The frame is written before the message is appended. A handle that dropped
// before its status callback ran still yields ErrNotConnected.
func (c *Composer) Compose(text string, contact *chat.Contact) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	if contact == nil {
		return chat.Message{}, ErrNoContact
	}

	s := c.session
	s.mu.Lock()
	if s.active == nil || s.active.ID != contact.ID {
		s.mu.Unlock()
		return chat.Message{}, ErrNoContact
	}
	if s.conn == nil || s.status != wsclient.StatusConnected {
		s.mu.Unlock()
		return chat.Message{}, ErrNotConnected
	}
	conn := s.conn
	transcript := s.transcript
	local := s.config.LocalUser
	s.mu.Unlock()

	if err := chat.ValidateMessage(text); err != nil {
		return chat.Message{}, err
	}
	if conn.Status() != wsclient.StatusConnected {
		return chat.Message{}, ErrNotConnected
	}

	now := c.now()
	msg := chat.Message{
		ID:          c.nextID(now),
		SenderID:    local,
		ReceiverID:  contact.ID,
		Content:     text,
		CreatedAt:   now,
		Provisional: true,
	}
	err := conn.Send(protocol.OutboundMsg{
		SenderID:   local,
		ReceiverID: contact.ID,
		Content:    text,
	})
	if errors.Is(err, wsclient.ErrNotConnected) {
		return chat.Message{}, ErrNotConnected
	}
	if err != nil {
		log.Printf("[session] Send to user %d failed: %v", contact.ID, err)
		return chat.Message{}, fmt.Errorf("session: send: %w", err)
	}

	if transcript.Append(msg) {
		s.surface.Appended(msg)
	}
	return msg, nil
}

func (c *Composer) nextID(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := now.UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}
