package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millegrilles/datacollector/internal/certificates"
)

type memClaimsCache struct {
	store map[string]*certificates.Claims
	gets  int
	puts  int
}

func newMemClaimsCache() *memClaimsCache {
	return &memClaimsCache{store: map[string]*certificates.Claims{}}
}

func (c *memClaimsCache) Get(_ context.Context, fingerprint string) *certificates.Claims {
	c.gets++
	return c.store[fingerprint]
}

func (c *memClaimsCache) Put(_ context.Context, claims *certificates.Claims) {
	c.puts++
	c.store[claims.Fingerprint] = claims
}

func TestChainValidatorAccepts(t *testing.T) {
	chain, priv := callerChain(t)

	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       KindCommand,
		Contenu:    `{}`,
		Routage:    &Routage{Action: "createFeed", Domaine: "DataCollector"},
		Certificat: chain,
	}
	require.NoError(t, env.Sign(priv))

	claims, err := NewChainValidator(nil).Validate(context.Background(), env)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.Fingerprint)
	assert.Equal(t, chain, claims.Chain)
}

func TestChainValidatorWarmCacheSkipsChainParse(t *testing.T) {
	chain, priv := callerChain(t)

	fingerprint, err := certificates.LeafFingerprint(chain)
	require.NoError(t, err)

	// Sentinel claims a full parse could never produce for this chain:
	// returning this exact pointer proves the parse was skipped.
	cached := &certificates.Claims{Fingerprint: fingerprint, UserID: "cached-user", Chain: chain}
	cache := newMemClaimsCache()
	cache.store[fingerprint] = cached

	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       KindCommand,
		Contenu:    `{}`,
		Routage:    &Routage{Action: "createFeed", Domaine: "DataCollector"},
		Certificat: chain,
	}
	require.NoError(t, env.Sign(priv))

	claims, err := NewChainValidator(cache).Validate(context.Background(), env)
	require.NoError(t, err)
	assert.Same(t, cached, claims)
	assert.Equal(t, 0, cache.puts)
}

func TestChainValidatorColdCacheParsesThenStores(t *testing.T) {
	chain, priv := callerChain(t)
	cache := newMemClaimsCache()

	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       KindCommand,
		Contenu:    `{}`,
		Routage:    &Routage{Action: "createFeed", Domaine: "DataCollector"},
		Certificat: chain,
	}
	require.NoError(t, env.Sign(priv))

	v := NewChainValidator(cache)
	first, err := v.Validate(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, 1, cache.puts)
	assert.Contains(t, cache.store, first.Fingerprint)

	// Second delivery from the same sender resolves from the cache.
	second, err := v.Validate(context.Background(), env)
	require.NoError(t, err)
	assert.Same(t, cache.store[first.Fingerprint], second)
	assert.Equal(t, 1, cache.puts)
}

func TestChainValidatorRejectsForeignChain(t *testing.T) {
	_, priv := callerChain(t)
	otherChain, _ := callerChain(t)

	// Valid signature, but the attached chain belongs to someone else.
	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       KindCommand,
		Contenu:    `{}`,
		Routage:    &Routage{Action: "createFeed", Domaine: "DataCollector"},
		Certificat: otherChain,
	}
	require.NoError(t, env.Sign(priv))

	_, err := NewChainValidator(nil).Validate(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match certificate leaf")
}

func TestChainValidatorRejectsTamperedEnvelope(t *testing.T) {
	chain, priv := callerChain(t)

	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       KindCommand,
		Contenu:    `{"feed_id":"F"}`,
		Routage:    &Routage{Action: "deleteFeed", Domaine: "DataCollector"},
		Certificat: chain,
	}
	require.NoError(t, env.Sign(priv))
	env.Contenu = `{"feed_id":"G"}`

	_, err := NewChainValidator(nil).Validate(context.Background(), env)
	assert.Error(t, err)
}
