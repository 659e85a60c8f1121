package bus

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/millegrilles/datacollector/internal/certificates"
)

// EncryptedReply is the sealed reply body: an ephemeral X25519 exchange
// against the caller's certificate key, then chacha20-poly1305.
type EncryptedReply struct {
	Format     string `json:"format"`
	Peer       string `json:"cle_peer"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext_base64"`
}

const encryptedReplyFormat = "mgs4"

// X25519Cipher implements ReplyCipher with an ephemeral key per reply.
type X25519Cipher struct{}

func (X25519Cipher) EncryptForCaller(payload interface{}, chain []string) (json.RawMessage, error) {
	clear, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	edPub, err := certificates.LeafPublicKey(chain)
	if err != nil {
		return nil, err
	}
	peerPub, err := ed25519ToX25519(edPub)
	if err != nil {
		return nil, err
	}

	ephSecret := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephSecret); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephSecret, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephSecret, peerPub)
	if err != nil {
		return nil, err
	}
	key := blake2s.Sum256(shared)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, clear, nil)

	reply := EncryptedReply{
		Format:     encryptedReplyFormat,
		Peer:       hex.EncodeToString(ephPub),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}
	return json.Marshal(reply)
}

// ed25519ToX25519 maps the edwards public point to its montgomery form.
func ed25519ToX25519(pub []byte) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}
