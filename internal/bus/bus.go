package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/millegrilles/datacollector/internal/certificates"
)

// MessageKind classifies an inbound delivery for dispatch.
type MessageKind int

const (
	MessageRequest MessageKind = iota
	MessageCommand
	MessageEvent
	MessageTransaction
	MessageTrigger
)

func (k MessageKind) String() string {
	switch k {
	case MessageRequest:
		return "request"
	case MessageCommand:
		return "command"
	case MessageEvent:
		return "event"
	case MessageTransaction:
		return "transaction"
	case MessageTrigger:
		return "trigger"
	}
	return "unknown"
}

// Message is one validated inbound delivery: the envelope plus the
// caller claims the validator extracted from its certificate chain.
type Message struct {
	Envelope    *Envelope
	Certificate *certificates.Claims
	Kind        MessageKind

	ReplyTo       string
	CorrelationID string
}

// Action returns the routed action of the underlying envelope.
func (m *Message) Action() string {
	return m.Envelope.Action()
}

// Sentinel failures of bounded request/reply exchanges. Callers map
// these to the reserved reply codes.
var (
	// ErrTimeout: no reply arrived inside the routing timeout.
	ErrTimeout = errors.New("bus: reply timeout")
	// ErrTransport: the message could not be published or the broker
	// connection failed mid-exchange.
	ErrTransport = errors.New("bus: transport failure")
	// ErrBadReply: a reply arrived but could not be decoded.
	ErrBadReply = errors.New("bus: undecodable reply")
)

// Requester issues bounded request/reply exchanges on the fabric.
type Requester interface {
	// Request sends a requete and waits for the reply.
	Request(ctx context.Context, routing Routing, payload interface{}) (*Response, error)
	// Command sends a commande and waits for the confirmation.
	Command(ctx context.Context, routing Routing, payload interface{}) (*Response, error)
	// CommandForward re-publishes an already-signed envelope verbatim,
	// as done for attached key material.
	CommandForward(ctx context.Context, routing Routing, envelope json.RawMessage) (*Response, error)
}

// Publisher emits fire-and-forget events.
type Publisher interface {
	EmitEvent(ctx context.Context, routing Routing, payload interface{}) error
}

// Replier sends the reply for an inbound request or command.
type Replier interface {
	Reply(ctx context.Context, msg *Message, payload interface{}) error
}

// ReplyCipher encrypts a reply body for the caller certificate chain.
// The platform crypto layer provides the production implementation.
type ReplyCipher interface {
	EncryptForCaller(payload interface{}, chain []string) (json.RawMessage, error)
}
