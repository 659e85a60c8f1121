package bus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/millegrilles/datacollector/internal/certificates"
	"github.com/millegrilles/datacollector/internal/logging"
)

// Validator resolves caller claims from a validated envelope. The
// platform certificate validator provides the implementation; a cache
// wrapper may sit in front of it.
type Validator interface {
	Validate(ctx context.Context, env *Envelope) (*certificates.Claims, error)
}

// Signer seals outbound payloads into signed envelopes.
type Signer interface {
	SignEnvelope(kind int, routage *Routage, content []byte) (*Envelope, error)
}

// LocalSigner signs with the service's own ed25519 identity key.
type LocalSigner struct {
	Key   ed25519.PrivateKey
	Chain []string
}

func (s *LocalSigner) SignEnvelope(kind int, routage *Routage, content []byte) (*Envelope, error) {
	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       kind,
		Contenu:    string(content),
		Certificat: s.Chain,
	}
	if kind == KindRequest || kind == KindCommand || kind == KindTransaction || kind == KindEvent {
		env.Routage = routage
	}
	if err := env.Sign(s.Key); err != nil {
		return nil, err
	}
	return env, nil
}

// Handler consumes one inbound message and produces the reply payload,
// or nil when no reply is due (events, triggers).
type Handler func(ctx context.Context, msg *Message) interface{}

// AMQPClient is the broker adapter: queue declaration, the consume
// loop, publishing, and correlation of bounded request/reply
// exchanges. It satisfies Requester, Publisher and Replier.
type AMQPClient struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	signer    Signer
	validator Validator
	prefetch  int
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan *Response

	replyQueue string
}

// DialAMQP connects to the broker and opens the shared channel.
func DialAMQP(url string, signer Signer, validator Validator, prefetch int) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("amqp qos: %w", err)
		}
	}

	c := &AMQPClient{
		conn:      conn,
		ch:        ch,
		signer:    signer,
		validator: validator,
		prefetch:  prefetch,
		log:       logging.WithComponent("bus"),
		pending:   make(map[string]chan *Response),
	}
	if err := c.setupReplyQueue(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close tears down the broker connection.
func (c *AMQPClient) Close() error {
	return c.conn.Close()
}

// Healthy reports whether the broker connection is still open.
func (c *AMQPClient) Healthy() error {
	if c.conn.IsClosed() {
		return ErrTransport
	}
	return nil
}

// DeclareQueue declares one consumer queue and binds its routing keys.
func (c *AMQPClient) DeclareQueue(cfg QueueConfig) error {
	args := amqp.Table{}
	if cfg.TTL > 0 {
		args["x-message-ttl"] = int32(cfg.TTL / time.Millisecond)
	}
	if _, err := c.ch.QueueDeclare(cfg.Name, cfg.Durable, cfg.AutoDelete, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Name, err)
	}
	for _, b := range cfg.Bindings {
		if err := c.ch.QueueBind(cfg.Name, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s on %s: %w", cfg.Name, b.Key, b.Exchange, err)
		}
	}
	return nil
}

// Consume runs the delivery loop for one queue until ctx is cancelled.
// One in-flight message per delivery; the handler reply, when non-nil,
// is published to the reply-to address.
func (c *AMQPClient) Consume(ctx context.Context, queue string, kindHint MessageKind, handler Handler) error {
	tag := fmt.Sprintf("%s-%s", queue, uuid.NewString())
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrTransport
			}
			c.handleDelivery(ctx, d, kindHint, handler)
		}
	}
}

func (c *AMQPClient) handleDelivery(ctx context.Context, d amqp.Delivery, kindHint MessageKind, handler Handler) {
	defer d.Ack(false)

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("undecodable delivery dropped")
		return
	}

	// Replies are correlated to a pending exchange, not dispatched.
	if env.Kind == KindReply {
		c.resolveReply(d.CorrelationId, &env)
		return
	}

	claims, err := c.validator.Validate(ctx, &env)
	if err != nil {
		c.log.Warn().Err(err).Str("id", env.ID).Msg("certificate validation failed, message dropped")
		return
	}

	msg := &Message{
		Envelope:      &env,
		Certificate:   claims,
		Kind:          messageKind(&env, kindHint),
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
	}

	reply := handler(ctx, msg)
	if reply == nil || msg.ReplyTo == "" {
		return
	}
	if err := c.Reply(ctx, msg, reply); err != nil {
		c.log.Error().Err(err).Str("action", msg.Action()).Msg("reply publish failed")
	}
}

func messageKind(env *Envelope, hint MessageKind) MessageKind {
	if hint == MessageTrigger {
		return MessageTrigger
	}
	switch env.Kind {
	case KindRequest:
		return MessageRequest
	case KindCommand:
		return MessageCommand
	case KindTransaction:
		return MessageTransaction
	case KindEvent:
		return MessageEvent
	}
	return MessageEvent
}

// Reply publishes the reply payload to the message reply-to address.
func (c *AMQPClient) Reply(ctx context.Context, msg *Message, payload interface{}) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := c.signer.SignEnvelope(KindReply, nil, content)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, "", msg.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationID,
		Body:          body,
	})
}

// EmitEvent publishes a fire-and-forget event on the routing exchange.
func (c *AMQPClient) EmitEvent(ctx context.Context, routing Routing, payload interface{}) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	routage := &Routage{Action: routing.Action, Domaine: routing.Domain}
	env, err := c.signer.SignEnvelope(KindEvent, routage, content)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, routing.Exchange, routing.EventKey(), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Request sends a requete and waits for the reply.
func (c *AMQPClient) Request(ctx context.Context, routing Routing, payload interface{}) (*Response, error) {
	return c.exchange(ctx, KindRequest, routing, routing.RequestKey(), payload)
}

// Command sends a commande and waits for the confirmation.
func (c *AMQPClient) Command(ctx context.Context, routing Routing, payload interface{}) (*Response, error) {
	return c.exchange(ctx, KindCommand, routing, routing.CommandKey(), payload)
}

// CommandForward re-publishes a pre-signed envelope verbatim and waits
// for the confirmation. The envelope keeps its original signature; the
// correlation id is its content address.
func (c *AMQPClient) CommandForward(ctx context.Context, routing Routing, envelope json.RawMessage) (*Response, error) {
	var env Envelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return c.publishAndWait(ctx, routing, routing.CommandKey(), envelope, env.ID)
}

func (c *AMQPClient) exchange(ctx context.Context, kind int, routing Routing, key string, payload interface{}) (*Response, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	routage := &Routage{Action: routing.Action, Domaine: routing.Domain}
	env, err := c.signer.SignEnvelope(kind, routage, content)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return c.publishAndWait(ctx, routing, key, body, env.ID)
}

func (c *AMQPClient) publishAndWait(ctx context.Context, routing Routing, key string, body []byte, correlationID string) (*Response, error) {
	timeout := routing.Timeout
	if timeout <= 0 {
		// Fire-and-forget command.
		err := c.ch.PublishWithContext(ctx, routing.Exchange, key, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil, nil
	}

	waiter := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[correlationID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	err := c.ch.PublishWithContext(ctx, routing.Exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       c.replyQueue,
		Body:          body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case resp := <-waiter:
		if resp == nil {
			return nil, ErrBadReply
		}
		return resp, nil
	}
}

func (c *AMQPClient) setupReplyQueue() error {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}
	c.replyQueue = q.Name

	deliveries, err := c.ch.Consume(q.Name, "reply-"+uuid.NewString(), true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume reply queue: %w", err)
	}
	go func() {
		for d := range deliveries {
			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				c.log.Warn().Err(err).Msg("undecodable reply dropped")
				continue
			}
			c.resolveReply(d.CorrelationId, &env)
		}
	}()
	return nil
}

func (c *AMQPClient) resolveReply(correlationID string, env *Envelope) {
	c.mu.Lock()
	waiter, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	resp, err := ParseResponse([]byte(env.Contenu))
	if err != nil {
		waiter <- nil
		return
	}
	waiter <- resp
}
