package bus

import (
	"fmt"
	"time"
)

// Message kind prefixes used in routing keys.
const (
	PrefixRequest = "requete"
	PrefixCommand = "commande"
	PrefixEvent   = "evenement"
)

// DefaultQueueTTL matches the platform default for volatile queues.
const DefaultQueueTTL = 300 * time.Second

// Routing addresses an outbound message: which exchange, which domain,
// which action. Timeout bounds request/reply exchanges; zero means
// fire-and-forget.
type Routing struct {
	Exchange string
	Domain   string
	Action   string
	Timeout  time.Duration
}

// RequestKey returns the requete routing key.
func (r Routing) RequestKey() string {
	return fmt.Sprintf("%s.%s.%s", PrefixRequest, r.Domain, r.Action)
}

// CommandKey returns the commande routing key.
func (r Routing) CommandKey() string {
	return fmt.Sprintf("%s.%s.%s", PrefixCommand, r.Domain, r.Action)
}

// EventKey returns the evenement routing key.
func (r Routing) EventKey() string {
	return fmt.Sprintf("%s.%s.%s", PrefixEvent, r.Domain, r.Action)
}

// Binding binds one routing key on one exchange.
type Binding struct {
	Key      string
	Exchange string
}

// QueueConfig declares a consumer queue and its bindings.
type QueueConfig struct {
	Name       string
	Bindings   []Binding
	TTL        time.Duration
	Durable    bool
	AutoDelete bool
}

// RequestBinding is a helper for requete.<domain>.<action> bindings.
func RequestBinding(exchange, domain, action string) Binding {
	return Binding{Key: fmt.Sprintf("%s.%s.%s", PrefixRequest, domain, action), Exchange: exchange}
}

// CommandBinding is a helper for commande.<domain>.<action> bindings.
func CommandBinding(exchange, domain, action string) Binding {
	return Binding{Key: fmt.Sprintf("%s.%s.%s", PrefixCommand, domain, action), Exchange: exchange}
}
