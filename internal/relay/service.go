// Package relay implements the relay's message pipeline and REST API.
//
// An outbound message passes rate limiting, validation and the receiver's
// block list, is scored, persisted and, when flagged, escalated against the
// sender. It is then published on the receiver's delivery subject, so that
// whichever relay instance holds the receiver's connection delivers it. The
// sender never receives its own message back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cybershield/messenger/internal/abuse"
	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/messaging"
	"github.com/cybershield/messenger/internal/metrics"
	"github.com/cybershield/messenger/internal/moderation"
	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/ratelimit"
	"github.com/cybershield/messenger/internal/report"
	"github.com/cybershield/messenger/internal/store"
	"github.com/cybershield/messenger/internal/ws"
)

// Alert texts sent to the sender of a refused message.
const (
	AlertRateLimited = "You are sending messages too quickly. Please slow down."
	AlertBlocked     = "You have been blocked by this user"
	AlertNoReceiver  = "Receiver not found"
	AlertNotSent     = "Message could not be sent. Please try again."
)

// Outcome is the result of handling one outbound message. Its value is the
// metrics label.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFlagged     Outcome = "flagged"
	OutcomeRejected    Outcome = "rejected"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeBlocked     Outcome = "blocked"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Directory is the persistent user, friendship, message and block data.
type Directory interface {
	GetUser(ctx context.Context, id int64) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	ListFriends(ctx context.Context, userID int64) ([]store.Friend, error)
	AreFriends(ctx context.Context, a, b int64) (bool, error)
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	Conversation(ctx context.Context, a, b int64) ([]chat.Message, error)
	Block(ctx context.Context, userID, blockedID int64, reason string) error
	IsBlocked(ctx context.Context, userID, blockedID int64) (bool, error)
}

// Reports files abuse reports.
type Reports interface {
	Create(ctx context.Context, r *report.Report) error
}

// Limiter admits or refuses actions per user.
type Limiter interface {
	AllowUser(ctx context.Context, userID int64, rule ratelimit.Rule) (bool, error)
}

// Escalator counts flagged messages per sender and receiver.
type Escalator interface {
	Escalate(ctx context.Context, senderID, receiverID int64) (abuse.Action, int, error)
}

// Presence records which users are online.
type Presence interface {
	Set(ctx context.Context, userID int64, connID string) error
	Touch(ctx context.Context, userID int64) error
	Remove(ctx context.Context, userID int64, connID string) (bool, error)
	Online(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// Bus carries frames to a user's connection on any relay instance.
type Bus interface {
	PublishToUser(userID int64, data []byte) error
	SubscribeUser(userID int64, handler func(data []byte)) error
	UnsubscribeUser(userID int64) error
}

// Local is the set of connections held by this relay instance.
type Local interface {
	SendToUser(userID int64, data []byte) error
	Connected(userID int64) bool
}

// Deps are the collaborators of a Service.
type Deps struct {
	Directory Directory
	Reports   Reports
	Limiter   Limiter
	Abuse     Escalator
	Scorer    moderation.Scorer
	Presence  Presence
	Bus       Bus
	Local     Local
}

// Config holds Service tuning parameters.
type Config struct {
	HandleTimeout time.Duration // bound on handling one outbound message
	AdmitTimeout  time.Duration // bound on the connect rate check
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandleTimeout: 10 * time.Second,
		AdmitTimeout:  time.Second,
	}
}

// Service is the relay's message pipeline.
type Service struct {
	config Config
	deps   Deps

	// attachMu orders delivery subscription changes against the local
	// connection registry.
	attachMu sync.Mutex
}

// NewService creates a Service. A nil Scorer scores every message clean.
func NewService(config Config, deps Deps) *Service {
	if config.HandleTimeout <= 0 {
		config.HandleTimeout = DefaultConfig().HandleTimeout
	}
	if config.AdmitTimeout <= 0 {
		config.AdmitTimeout = DefaultConfig().AdmitTimeout
	}
	if deps.Scorer == nil {
		deps.Scorer = moderation.NopScorer{}
	}
	return &Service{config: config, deps: deps}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Admit applies the connect rate limit to userID. Limiter failures admit.
func (s *Service) Admit(userID int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.AdmitTimeout)
	defer cancel()

	allowed, err := s.deps.Limiter.AllowUser(ctx, userID, ratelimit.RuleConnect)
	if err != nil {
		log.Printf("relay: connect limit check user=%d: %v", userID, err)
	}
	if !allowed {
		log.Printf("relay: connect refused user=%d: rate limited", userID)
	}
	return allowed
}

// Attach marks userID online through connID and subscribes its delivery
// subject so frames published for the user reach the local connection.
func (s *Service) Attach(ctx context.Context, userID int64, connID string) error {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if err := s.deps.Presence.Set(ctx, userID, connID); err != nil {
		log.Printf("relay: presence set user=%d: %v", userID, err)
	}
	err := s.deps.Bus.SubscribeUser(userID, func(data []byte) {
		if err := s.deps.Local.SendToUser(userID, data); err != nil && !errors.Is(err, ws.ErrNotConnected) {
			log.Printf("relay: deliver user=%d: %v", userID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("relay: attach user %d: %w", userID, err)
	}
	return nil
}

// Detach clears the presence written by connID and drops the delivery
// subscription once the user has no live connection here. A connection
// replaced by a newer one leaves both in place.
func (s *Service) Detach(ctx context.Context, userID int64, connID string) error {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if _, err := s.deps.Presence.Remove(ctx, userID, connID); err != nil {
		log.Printf("relay: presence remove user=%d: %v", userID, err)
	}
	if s.deps.Local.Connected(userID) {
		return nil
	}
	if err := s.deps.Bus.UnsubscribeUser(userID); err != nil && !errors.Is(err, messaging.ErrNotSubscribed) {
		return fmt.Errorf("relay: detach user %d: %w", userID, err)
	}
	return nil
}

// Touch refreshes userID's presence.
func (s *Service) Touch(ctx context.Context, userID int64) {
	if err := s.deps.Presence.Touch(ctx, userID); err != nil {
		log.Printf("relay: presence touch user=%d: %v", userID, err)
	}
}

// ---------------------------------------------------------------------------
// Message pipeline
// ---------------------------------------------------------------------------

// HandleOutbound runs one outbound message through the pipeline. Refusals are
// answered with an alert to the sender and reported through the outcome; the
// returned error is reserved for infrastructure failures.
func (s *Service) HandleOutbound(ctx context.Context, msg protocol.OutboundMsg) (Outcome, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.HandleTimeout)
	defer cancel()

	outcome, err := s.handle(ctx, msg)
	metrics.MessagesTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == OutcomeDelivered || outcome == OutcomeFlagged {
		metrics.MessageLatency.Observe(time.Since(start).Seconds())
	}
	return outcome, err
}

func (s *Service) handle(ctx context.Context, msg protocol.OutboundMsg) (Outcome, error) {
	sender, receiver := msg.SenderID, msg.ReceiverID

	allowed, err := s.deps.Limiter.AllowUser(ctx, sender, ratelimit.RuleMessage)
	if err != nil {
		log.Printf("relay: message limit check user=%d: %v", sender, err)
	}
	if !allowed {
		s.alert(sender, protocol.SeverityWarning, AlertRateLimited)
		return OutcomeRateLimited, nil
	}

	if err := chat.ValidateMessage(msg.Content); err != nil {
		s.alert(sender, protocol.SeverityWarning, "Message not sent: "+err.Error())
		return OutcomeRejected, nil
	}
	if receiver == sender {
		s.alert(sender, protocol.SeverityWarning, AlertNoReceiver)
		return OutcomeRejected, nil
	}
	if _, err := s.deps.Directory.GetUser(ctx, receiver); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.alert(sender, protocol.SeverityWarning, AlertNoReceiver)
			return OutcomeRejected, nil
		}
		s.alert(sender, protocol.SeverityWarning, AlertNotSent)
		return OutcomeRejected, err
	}

	blocked, err := s.deps.Directory.IsBlocked(ctx, receiver, sender)
	if err != nil {
		s.alert(sender, protocol.SeverityWarning, AlertNotSent)
		return OutcomeRejected, err
	}
	if blocked {
		s.alert(sender, protocol.SeverityCritical, AlertBlocked)
		return OutcomeBlocked, nil
	}

	verdict, err := s.deps.Scorer.Score(ctx, moderation.Request{SenderID: sender, ReceiverID: receiver, Content: msg.Content})
	if err != nil {
		log.Printf("relay: moderation unavailable sender=%d: %v", sender, err)
	}

	stored, err := s.deps.Directory.InsertMessage(ctx, chat.Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    msg.Content,
		Flagged:    verdict.IsAbusive,
		Score:      verdict.Score,
		AbuseType:  verdict.Type,
	})
	if err != nil {
		s.alert(sender, protocol.SeverityWarning, AlertNotSent)
		return OutcomeRejected, err
	}

	outcome := OutcomeDelivered
	if stored.Flagged {
		outcome = OutcomeFlagged
		s.escalate(ctx, stored)
	}

	data, err := protocol.EncodeChatMessage(protocol.FromMessage(stored))
	if err != nil {
		return outcome, err
	}
	if err := s.deps.Bus.PublishToUser(receiver, data); err != nil {
		return outcome, fmt.Errorf("relay: publish message %d: %w", stored.ID, err)
	}
	return outcome, nil
}

// escalate files a report for a flagged message and applies the pair's
// escalation: a warning to the receiver on the first flagged message, and a
// block with a critical alert once the threshold is reached. Failures are
// logged and never stop delivery.
func (s *Service) escalate(ctx context.Context, m chat.Message) {
	sender, receiver := m.SenderID, m.ReceiverID

	r := &report.Report{
		UserID:         receiver,
		ReportedUserID: sender,
		MessageID:      m.ID,
		Description:    describe(m),
		Messages:       []chat.Message{m},
	}
	if err := s.deps.Reports.Create(ctx, r); err != nil {
		log.Printf("relay: report message=%d: %v", m.ID, err)
	}

	action, count, err := s.deps.Abuse.Escalate(ctx, sender, receiver)
	if err != nil {
		log.Printf("relay: escalate sender=%d receiver=%d: %v", sender, receiver, err)
		return
	}
	log.Printf("relay: flagged message=%d sender=%d receiver=%d count=%d action=%s", m.ID, sender, receiver, count, action)

	switch action {
	case abuse.ActionWarn:
		s.alert(receiver, protocol.SeverityWarning, abuse.WarningText)
	case abuse.ActionBlock:
		if err := s.deps.Directory.Block(ctx, receiver, sender, abuse.BlockReason); err != nil {
			log.Printf("relay: block sender=%d receiver=%d: %v", sender, receiver, err)
			return
		}
		s.alert(receiver, protocol.SeverityCritical, abuse.BlockedText)
	}
}

func describe(m chat.Message) string {
	if m.AbuseType == "" {
		return fmt.Sprintf("Flagged message, score %.1f", m.Score)
	}
	return fmt.Sprintf("Flagged message (%s), score %.1f", m.AbuseType, m.Score)
}

// alert publishes an alert frame for userID.
func (s *Service) alert(userID int64, severity, text string) {
	data, err := protocol.NewAlert(severity, text)
	if err != nil {
		log.Printf("relay: build alert user=%d: %v", userID, err)
		return
	}
	if err := s.deps.Bus.PublishToUser(userID, data); err != nil {
		log.Printf("relay: alert user=%d: %v", userID, err)
		return
	}
	metrics.AlertsTotal.WithLabelValues(severity).Inc()
}
