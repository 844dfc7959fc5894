package relay

import (
	"context"
	"log"
	"time"

	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/ws"
)

const lifecycleTimeout = 5 * time.Second

// SetLocal sets the connections held by this instance. The ws.Server is
// built from Hooks, so it is bound after construction.
func (s *Service) SetLocal(local Local) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	s.deps.Local = local
}

// Hooks returns the ws.Server callbacks driving the service.
func (s *Service) Hooks() ws.Hooks {
	dispatcher := ws.NewMessageDispatcher(s.onMessage)
	return ws.Hooks{
		Admit:        s.Admit,
		OnConnect:    s.onConnect,
		OnMessage:    dispatcher.Dispatch,
		OnDisconnect: s.onDisconnect,
		OnHeartbeat:  s.onHeartbeat,
	}
}

func (s *Service) onConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := s.Attach(ctx, c.UserID, c.ID); err != nil {
		log.Printf("relay: connect conn=%s: %v", c.ID, err)
	}
}

func (s *Service) onDisconnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := s.Detach(ctx, c.UserID, c.ID); err != nil {
		log.Printf("relay: disconnect conn=%s: %v", c.ID, err)
	}
}

func (s *Service) onHeartbeat(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	s.Touch(ctx, c.UserID)
}

func (s *Service) onMessage(c *ws.Connection, msg protocol.OutboundMsg) {
	outcome, err := s.HandleOutbound(context.Background(), msg)
	if err != nil {
		log.Printf("relay: message conn=%s sender=%d receiver=%d outcome=%s: %v",
			c.ID, msg.SenderID, msg.ReceiverID, outcome, err)
	}
}
