// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the pairing workers and their collaborators. It handles connection
// lifecycle, queue-group subscriptions and the relay send primitive.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/protocol"
)

// NATS subjects used across the pairing services.
const (
	SubjectInbound         = "chat.inbound"
	SubjectRelayOut        = "relay.out" // + .<user_id>
	SubjectMatchCommand    = "match.command"
	SubjectMatchFound      = "match.found" // + .<user_id>
	SubjectSafeModeCommand = "safemode.command"
	SubjectViolation       = "violation.recorded"
)

// RelaySubject returns the outbound subject for userID.
func RelaySubject(userID int64) string {
	return SubjectRelayOut + "." + strconv.FormatInt(userID, 10)
}

// MatchFoundSubject returns the match announcement subject for userID.
func MatchFoundSubject(userID int64) string {
	return SubjectMatchFound + "." + strconv.FormatInt(userID, 10)
}

// Sender delivers relay instructions to users. NATSClient implements it; the
// gate and the services only depend on this.
type Sender interface {
	Send(ctx context.Context, r protocol.Relay) error
}

// Handler processes one message body.
type Handler func(data []byte)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn  *nats.Conn
	queue string
	log   *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. name identifies the connection on the server side.
func NewNATSClient(cfg config.NATSConfig, name string) (*NATSClient, error) {
	log := logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", "err", err)
			} else {
				log.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected", "url", nc.ConnectedUrl())

	return newClient(nc, cfg.QueueGroup, log), nil
}

func newClient(nc *nats.Conn, queue string, log *slog.Logger) *NATSClient {
	return &NATSClient{
		conn:  nc,
		queue: queue,
		log:   log,
		subs:  make(map[string]*nats.Subscription),
	}
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it to subject.
func (c *NATSClient) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Send publishes a relay instruction on relay.out.<target>.
func (c *NATSClient) Send(_ context.Context, r protocol.Relay) error {
	if err := c.PublishJSON(RelaySubject(r.TargetUserID), r); err != nil {
		return fmt.Errorf("messaging: send to %d: %w", r.TargetUserID, err)
	}
	return nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. Every subscriber receives
// every message.
func (c *NATSClient) Subscribe(subject string, handler Handler) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe registers handler in the client's queue group so that each
// message is processed by exactly one worker.
func (c *NATSClient) QueueSubscribe(subject string, handler Handler) error {
	sub, err := c.conn.QueueSubscribe(subject, c.queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	c.track(subject+"@"+c.queue, sub)
	return nil
}

// SubscribeInbound consumes inbound chat events as part of the worker group.
func (c *NATSClient) SubscribeInbound(handler Handler) error {
	return c.QueueSubscribe(SubjectInbound, handler)
}

// TapInbound receives a copy of every inbound chat event, outside the worker
// group. The moderator uses it to scan messages without stealing them.
func (c *NATSClient) TapInbound(handler Handler) error {
	return c.Subscribe(SubjectInbound, handler)
}

func (c *NATSClient) SubscribeMatchCommand(handler Handler) error {
	return c.QueueSubscribe(SubjectMatchCommand, handler)
}

func (c *NATSClient) SubscribeSafeModeCommand(handler Handler) error {
	return c.QueueSubscribe(SubjectSafeModeCommand, handler)
}

func (c *NATSClient) SubscribeViolation(handler Handler) error {
	return c.QueueSubscribe(SubjectViolation, handler)
}

// PublishViolation publishes a detected violation for the tracker.
func (c *NATSClient) PublishViolation(v protocol.ViolationRecorded) error {
	return c.PublishJSON(SubjectViolation, v)
}

// Ping reports whether the connection is currently usable.
func (c *NATSClient) Ping(_ context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats: %s", c.conn.Status())
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", "err", err)
	}

	c.log.Info("client closed")
}

// Unsubscribe removes and unsubscribes from a plain subscription on subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

func (c *NATSClient) track(subject string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
}
