package certificates

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// MilleGrilles certificate extensions. Values are comma-separated
// strings in the leaf certificate.
var (
	oidExchanges  = "1.2.3.4.0"
	oidRoles      = "1.2.3.4.1"
	oidDomains    = "1.2.3.4.2"
	oidUserID     = "1.2.3.4.3"
	oidDelegation = "1.2.3.4.4"
)

var ErrEmptyChain = errors.New("certificates: empty chain")

// ParseChain extracts the caller claims from a PEM certificate chain,
// leaf first. Chain-of-trust verification against the instance CA
// happens upstream; this only decodes the leaf's identity extensions.
func ParseChain(chain []string) (*Claims, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	leaf, err := decodeCertificate(chain[0])
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(leaf.Raw)
	claims := &Claims{
		Fingerprint: hex.EncodeToString(sum[:]),
		Chain:       chain,
	}

	for _, ext := range leaf.Extensions {
		switch ext.Id.String() {
		case oidExchanges:
			claims.Exchanges = splitExtension(ext.Value)
		case oidRoles:
			claims.Roles = splitExtension(ext.Value)
		case oidUserID:
			claims.UserID = strings.TrimSpace(string(ext.Value))
		case oidDelegation:
			claims.DelegationGlobal = strings.TrimSpace(string(ext.Value))
		case oidDomains:
			// Domain restrictions are enforced by the broker bindings.
		}
	}
	return claims, nil
}

// LeafFingerprint hashes the leaf certificate without decoding its
// extensions. The result matches Claims.Fingerprint, so it can key a
// cache lookup before the chain is parsed.
func LeafFingerprint(chain []string) (string, error) {
	if len(chain) == 0 {
		return "", ErrEmptyChain
	}
	block, _ := pem.Decode([]byte(chain[0]))
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("certificates: invalid PEM block")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// LeafPublicKey returns the leaf's ed25519 public key, for envelope
// signature verification.
func LeafPublicKey(chain []string) (ed25519.PublicKey, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	leaf, err := decodeCertificate(chain[0])
	if err != nil {
		return nil, err
	}
	key, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificates: leaf key is %T, expected ed25519", leaf.PublicKey)
	}
	return key, nil
}

func decodeCertificate(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certificates: invalid PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

func splitExtension(value []byte) []string {
	parts := strings.Split(string(value), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
