// Package protocol defines the JSON frames exchanged over the persistent
// connection between the messenger client and the relay, and the directory
// records served by the relay's REST API. Field names are snake_case.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cybershield/messenger/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Server -> Client frame types. Chat messages carry no type field (or
// "message"); every frame that is not an alert is treated as a chat message.
const (
	TypeAlert   = "alert"
	TypeMessage = "message"
)

// Alert severities. Any value other than critical is rendered as a warning.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

var (
	// ErrMissingParticipants is returned for chat frames without a sender or
	// receiver id.
	ErrMissingParticipants = errors.New("protocol: missing sender_id or receiver_id")
	// ErrEmptyAlert is returned for alert frames without a message.
	ErrEmptyAlert = errors.New("protocol: alert without message")
)

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// OutboundMsg is the minimal envelope a client sends for every chat message.
// The relay enriches it into a full ChatMessage record.
type OutboundMsg struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ChatMessage is the full message record delivered by the relay and returned
// by the history endpoint.
type ChatMessage struct {
	Type       string    `json:"type,omitempty"`
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	IsAbusive  bool      `json:"is_abusive"`
	AbuseScore float64   `json:"abuse_score"`
	AbuseType  string    `json:"abuse_type,omitempty"`
}

// Message converts the wire record into the domain message.
func (m ChatMessage) Message() chat.Message {
	return chat.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Flagged:    m.IsAbusive,
		Score:      m.AbuseScore,
		AbuseType:  m.AbuseType,
	}
}

// FromMessage converts a domain message into its wire record.
func FromMessage(m chat.Message) ChatMessage {
	return ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		IsAbusive:  m.Flagged,
		AbuseScore: m.Score,
		AbuseType:  m.AbuseType,
	}
}

// Alert is a server notice routed to the alert surface, never to a transcript.
type Alert struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Critical reports whether the alert has critical severity.
func (a Alert) Critical() bool {
	return a.Severity == SeverityCritical
}

// UserRecord is one entry of the user directory or the friends list.
type UserRecord struct {
	ID              int64      `json:"id"`
	Username        string     `json:"username"`
	FullName        string     `json:"full_name"`
	Email           string     `json:"email,omitempty"`
	IsAdmin         bool       `json:"is_admin"`
	IsActive        bool       `json:"is_active"`
	FriendshipSince *time.Time `json:"friendship_since,omitempty"`
	Online          *bool      `json:"online,omitempty"`
}

// Contact converts the record into a chat contact.
func (u UserRecord) Contact() chat.Contact {
	return chat.Contact{ID: u.ID, Name: u.FullName, Handle: u.Username}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses a raw frame received by the client. It returns
// TypeAlert with an Alert, or TypeMessage with a ChatMessage. Frames that are
// not valid JSON, or that lack the fields their variant requires, return an
// error and should be dropped by the caller.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	if peek.Type == TypeAlert {
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return TypeAlert, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", TypeAlert, err)
		}
		if a.Message == "" {
			return TypeAlert, nil, ErrEmptyAlert
		}
		return TypeAlert, a, nil
	}

	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return TypeMessage, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", TypeMessage, err)
	}
	if m.SenderID == 0 || m.ReceiverID == 0 {
		return TypeMessage, nil, ErrMissingParticipants
	}
	return TypeMessage, m, nil
}

// ParseClientMessage parses a raw frame received by the relay.
func ParseClientMessage(data []byte) (OutboundMsg, error) {
	var m OutboundMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return OutboundMsg{}, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if m.SenderID == 0 || m.ReceiverID == 0 {
		return OutboundMsg{}, ErrMissingParticipants
	}
	return m, nil
}

// NewAlert creates the JSON frame for an alert.
func NewAlert(severity, message string) ([]byte, error) {
	out, err := json.Marshal(Alert{Type: TypeAlert, Severity: severity, Message: message})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal alert: %w", err)
	}
	return out, nil
}

// EncodeChatMessage creates the JSON frame for a chat message. The type field
// is left out so the frame matches the implicit chat variant.
func EncodeChatMessage(m ChatMessage) ([]byte, error) {
	m.Type = ""
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal chat message: %w", err)
	}
	return out, nil
}

// EncodeOutbound creates the JSON frame a client sends.
func EncodeOutbound(m OutboundMsg) ([]byte, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal outbound message: %w", err)
	}
	return out, nil
}
