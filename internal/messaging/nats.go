// Package messaging wraps NATS for relay-to-relay delivery and for the
// moderation request/reply exchange. Every user has a delivery subject,
// user.<id>, which the relay holding that user's connection subscribes to, so
// any relay instance can hand a message to any connected user.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the relay.
const (
	SubjectUser       = "user" // + .<user_id>
	SubjectModeration = "moderation.check"
)

// ErrNotSubscribed is returned when unsubscribing from a subject that has no
// active subscription.
var ErrNotSubscribed = errors.New("messaging: not subscribed")

// UserSubject returns the delivery subject of userID.
func UserSubject(userID int64) string {
	return SubjectUser + "." + strconv.FormatInt(userID, 10)
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	Timeout       time.Duration // initial connect timeout
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "messenger-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		Timeout:       2 * time.Second,
	}
}

// NewNATSClient connects to NATS. It fails if the initial connection fails;
// later disconnects are retried by the NATS client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}
	if config.Timeout > 0 {
		opts = append(opts, nats.Timeout(config.Timeout))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject. Subscribing twice to the same
// subject keeps the first subscription.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[subject]; ok {
		return nil
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

// SubscribeUser delivers frames published to userID's subject to handler.
func (c *NATSClient) SubscribeUser(userID int64, handler func(data []byte)) error {
	return c.Subscribe(UserSubject(userID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeUser stops delivery for userID.
func (c *NATSClient) UnsubscribeUser(userID int64) error {
	return c.unsubscribe(UserSubject(userID))
}

// PublishToUser publishes a frame for userID to whichever relay holds the
// user's connection.
func (c *NATSClient) PublishToUser(userID int64, data []byte) error {
	return c.Publish(UserSubject(userID), data)
}

// Request sends data to subject and waits for a single reply until ctx ends.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// RequestModeration asks the external scorer to score a message.
func (c *NATSClient) RequestModeration(ctx context.Context, data []byte) ([]byte, error) {
	return c.Request(ctx, SubjectModeration, data)
}

// Flush waits until the server has processed everything sent so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}

func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
