package certificates

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type certSpec struct {
	exchanges  string
	roles      string
	userID     string
	delegation string
}

func makeLeaf(t *testing.T, spec certSpec) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var exts []pkix.Extension
	add := func(oid asn1.ObjectIdentifier, value string) {
		if value != "" {
			exts = append(exts, pkix.Extension{Id: oid, Value: []byte(value)})
		}
	}
	add(asn1.ObjectIdentifier{1, 2, 3, 4, 0}, spec.exchanges)
	add(asn1.ObjectIdentifier{1, 2, 3, 4, 1}, spec.roles)
	add(asn1.ObjectIdentifier{1, 2, 3, 4, 3}, spec.userID)
	add(asn1.ObjectIdentifier{1, 2, 3, 4, 4}, spec.delegation)

	template := &x509.Certificate{
		SerialNumber:    big.NewInt(1),
		Subject:         pkix.Name{CommonName: "test-leaf"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), pub
}

func TestParseChainClaims(t *testing.T) {
	leaf, _ := makeLeaf(t, certSpec{
		exchanges: "1.public, 2.prive",
		roles:     "web_scraper",
	})

	claims, err := ParseChain([]string{leaf})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.public", "2.prive"}, claims.Exchanges)
	assert.Equal(t, []string{"web_scraper"}, claims.Roles)
	assert.Empty(t, claims.UserID)
	assert.Len(t, claims.Fingerprint, 64)
	assert.Equal(t, []string{leaf}, claims.Chain)
}

func TestParseChainUserAndDelegation(t *testing.T) {
	leaf, _ := makeLeaf(t, certSpec{
		roles:      "compte_prive",
		userID:     "user-123",
		delegation: "proprietaire",
	})

	claims, err := ParseChain([]string{leaf})
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.True(t, claims.IsAdmin())
	assert.True(t, claims.IsPrivateUser())
	assert.False(t, claims.IsSystemModule())
}

func TestParseChainEmpty(t *testing.T) {
	_, err := ParseChain(nil)
	assert.Equal(t, ErrEmptyChain, err)
}

func TestParseChainBadPEM(t *testing.T) {
	_, err := ParseChain([]string{"not a certificate"})
	assert.Error(t, err)
}

func TestLeafFingerprintMatchesParsedClaims(t *testing.T) {
	leaf, _ := makeLeaf(t, certSpec{roles: "web_scraper"})

	fingerprint, err := LeafFingerprint([]string{leaf})
	require.NoError(t, err)

	claims, err := ParseChain([]string{leaf})
	require.NoError(t, err)
	assert.Equal(t, claims.Fingerprint, fingerprint)
}

func TestLeafFingerprintEmpty(t *testing.T) {
	_, err := LeafFingerprint(nil)
	assert.Equal(t, ErrEmptyChain, err)
}

func TestLeafPublicKey(t *testing.T) {
	leaf, pub := makeLeaf(t, certSpec{roles: "web_scraper"})
	key, err := LeafPublicKey([]string{leaf})
	require.NoError(t, err)
	assert.Equal(t, pub, key)
}

func TestClaimsPredicates(t *testing.T) {
	c := &Claims{
		Roles:     []string{RoleWebScraper},
		Exchanges: []string{ExchangePublic},
	}
	assert.True(t, c.HasRole(RoleWebScraper))
	assert.False(t, c.HasRole(RoleDatasourceMapper))
	assert.True(t, c.HasExchange(ExchangePublic))
	assert.True(t, c.HasAnyExchange(ExchangeProtected, ExchangePublic))
	assert.False(t, c.HasAnyExchange(ExchangeProtected, ExchangeSecure))
	assert.True(t, c.IsSystemModule())
	assert.False(t, c.IsAdmin())
	assert.False(t, c.IsPrivateUser())
}
