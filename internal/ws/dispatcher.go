package ws

import (
	"log"

	"github.com/cybershield/messenger/internal/metrics"
	"github.com/cybershield/messenger/internal/protocol"
)

// Alert texts sent back for frames the dispatcher refuses.
const (
	AlertInvalidFormat  = "Invalid message format"
	AlertSenderMismatch = "sender_id does not match this connection"
)

// MessageHandler handles an outbound message whose sender has been checked
// against the connection identity.
type MessageHandler func(conn *Connection, msg protocol.OutboundMsg)

// MessageDispatcher is the Hooks.OnMessage implementation. It parses client
// frames, refuses malformed or spoofed ones with a warning alert and passes
// the rest to the handler.
type MessageDispatcher struct {
	handler MessageHandler
}

// NewMessageDispatcher creates a dispatcher delivering to handler.
func NewMessageDispatcher(handler MessageHandler) *MessageDispatcher {
	return &MessageDispatcher{handler: handler}
}

// Dispatch processes one data frame from conn.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s user=%d: %v", conn.ID, conn.UserID, err)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		SendAlert(conn, protocol.SeverityWarning, AlertInvalidFormat)
		return
	}

	if msg.SenderID != conn.UserID {
		log.Printf("ws: sender mismatch conn=%s user=%d sender_id=%d", conn.ID, conn.UserID, msg.SenderID)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		SendAlert(conn, protocol.SeverityWarning, AlertSenderMismatch)
		return
	}

	if d.handler != nil {
		d.handler(conn, msg)
	}
}

// SendAlert writes an alert frame to conn. Failures are logged.
func SendAlert(conn *Connection, severity, message string) {
	data, err := protocol.NewAlert(severity, message)
	if err != nil {
		log.Printf("ws: failed to build alert conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send alert conn=%s: %v", conn.ID, err)
		return
	}
	metrics.AlertsTotal.WithLabelValues(severity).Inc()
}
