// Package chat holds the conversation domain shared by the client session and
// the relay: contacts, messages, the unordered participant pair that defines a
// conversation, and the in-memory transcript of the active conversation.
package chat

import "time"

// Contact is a user the local user can converse with. Contacts are sourced
// from the directory and are immutable for the lifetime of a session.
type Contact struct {
	ID     int64
	Name   string // display name (full name)
	Handle string // username
}

// DisplayName returns the name shown in notifications and headers, falling
// back to the handle when no display name is known.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Handle
}

// Message is a single chat message. A message is never mutated after it has
// been created, either locally at send time (Provisional) or by decoding a
// record delivered by the relay.
type Message struct {
	ID          int64
	SenderID    int64
	ReceiverID  int64
	Content     string
	CreatedAt   time.Time
	Flagged     bool    // moderation flag computed by the relay's scorer
	Score       float64 // moderation score, 0 when unscored
	AbuseType   string
	Provisional bool // id assigned locally, not confirmed by the relay
}

// Pair returns the conversation the message belongs to.
func (m Message) Pair() Pair {
	return NewPair(m.SenderID, m.ReceiverID)
}

// InConversation reports whether the message belongs to the conversation
// between a and b, in either direction.
func (m Message) InConversation(a, b int64) bool {
	return m.Pair() == NewPair(a, b)
}

// Pair is the unordered pair of participants identifying a conversation.
// Low is always <= High so two pairs compare equal regardless of direction.
type Pair struct {
	Low  int64
	High int64
}

// NewPair builds the canonical pair for participants a and b.
func NewPair(a, b int64) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}
}

// Other returns the participant that is not id, or 0 if id is not part of
// the pair.
func (p Pair) Other(id int64) int64 {
	switch id {
	case p.Low:
		return p.High
	case p.High:
		return p.Low
	}
	return 0
}
