// Package bus models the MilleGrilles message fabric as seen by this
// domain: signed envelopes, the ok/err reply shape, routing keys, and
// the capability interfaces handlers depend on. The AMQP adapter at
// the bottom of the package is one implementation of those
// capabilities.
package bus

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
)

// Envelope kinds on the wire.
const (
	KindDocument    = 0
	KindRequest     = 1
	KindCommand     = 2
	KindTransaction = 3
	KindReply       = 4
	KindEvent       = 5
)

// Routage addresses an envelope to a domain action.
type Routage struct {
	Action    string `json:"action,omitempty"`
	Domaine   string `json:"domaine,omitempty"`
	Partition string `json:"partition,omitempty"`
}

// Envelope is the signed, content-addressed message that serves both
// as wire form and as durable transaction-log entry. The id is the
// blake2s digest of the hashed fields; the signature is ed25519 over
// the id bytes.
type Envelope struct {
	ID          string                     `json:"id"`
	Pubkey      string                     `json:"pubkey"`
	Estampille  int64                      `json:"estampille"`
	Kind        int                        `json:"kind"`
	Contenu     string                     `json:"contenu"`
	Routage     *Routage                   `json:"routage,omitempty"`
	Signature   string                     `json:"sig"`
	Certificat  []string                   `json:"certificat,omitempty"`
	Attachments map[string]json.RawMessage `json:"attachements,omitempty"`
}

// Timestamp returns the envelope estampille as wall-clock time.
func (e *Envelope) Timestamp() time.Time {
	return time.Unix(e.Estampille, 0).UTC()
}

// Action returns the routed action, or empty when the envelope has no
// routage (kind 0 and replies).
func (e *Envelope) Action() string {
	if e.Routage == nil {
		return ""
	}
	return e.Routage.Action
}

// hashable returns the ordered field array the id digests. Routage is
// included for routed kinds only.
func (e *Envelope) hashable() ([]byte, error) {
	var fields []interface{}
	switch e.Kind {
	case KindRequest, KindCommand, KindTransaction, KindEvent:
		fields = []interface{}{e.Pubkey, e.Estampille, e.Kind, e.Contenu, e.Routage}
	default:
		fields = []interface{}{e.Pubkey, e.Estampille, e.Kind, e.Contenu}
	}
	return json.Marshal(fields)
}

// ComputeID returns the hex blake2s-256 digest of the envelope's
// hashed fields.
func (e *Envelope) ComputeID() (string, error) {
	raw, err := e.hashable()
	if err != nil {
		return "", err
	}
	digest := blake2s.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

// VerifyID recomputes the content address and compares it to the
// declared id.
func (e *Envelope) VerifyID() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return fmt.Errorf("envelope id mismatch: computed %s, declared %s", id, e.ID)
	}
	return nil
}

// VerifySignature checks the ed25519 signature over the id bytes with
// the envelope pubkey. Chain-of-trust validation of the pubkey is the
// platform validator's job.
func (e *Envelope) VerifySignature() error {
	pubkey, err := hex.DecodeString(e.Pubkey)
	if err != nil {
		return fmt.Errorf("invalid pubkey encoding: %w", err)
	}
	if len(pubkey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid pubkey size %d", len(pubkey))
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("invalid id encoding: %w", err)
	}
	if !ed25519.Verify(pubkey, idBytes, sig) {
		return fmt.Errorf("envelope signature verification failed")
	}
	return nil
}

// ParseContent unmarshals the envelope contenu into v.
func (e *Envelope) ParseContent(v interface{}) error {
	return json.Unmarshal([]byte(e.Contenu), v)
}

// Attachment returns the named attachment, or nil when absent.
func (e *Envelope) Attachment(name string) json.RawMessage {
	if e.Attachments == nil {
		return nil
	}
	return e.Attachments[name]
}

// Sign seals an envelope: computes the content address and signs it
// with the given key. Used by tests and by the signer the adapter
// delegates to.
func (e *Envelope) Sign(key ed25519.PrivateKey) error {
	e.Pubkey = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	idBytes, _ := hex.DecodeString(id)
	e.Signature = hex.EncodeToString(ed25519.Sign(key, idBytes))
	return nil
}
