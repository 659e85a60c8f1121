package bus

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/millegrilles/datacollector/internal/certificates"
	"github.com/millegrilles/datacollector/internal/logging"
)

// ClaimsCache stores parsed claims by leaf certificate fingerprint.
// Implemented by certificates.Cache; a Get miss returns nil.
type ClaimsCache interface {
	Get(ctx context.Context, fingerprint string) *certificates.Claims
	Put(ctx context.Context, claims *certificates.Claims)
}

// ChainValidator verifies inbound envelopes end to end: content
// address, signature, and that the signing key belongs to the attached
// certificate chain. A warm cache entry short-circuits the chain
// parse; the fingerprint is computed from the leaf PEM alone.
type ChainValidator struct {
	cache ClaimsCache
	log   zerolog.Logger
}

// NewChainValidator builds the validator. cache may be nil.
func NewChainValidator(cache ClaimsCache) *ChainValidator {
	return &ChainValidator{
		cache: cache,
		log:   logging.WithComponent("validator"),
	}
}

func (v *ChainValidator) Validate(ctx context.Context, env *Envelope) (*certificates.Claims, error) {
	if err := env.VerifyID(); err != nil {
		return nil, err
	}
	if err := env.VerifySignature(); err != nil {
		return nil, err
	}

	leafKey, err := certificates.LeafPublicKey(env.Certificat)
	if err != nil {
		return nil, err
	}
	pubkey, err := hex.DecodeString(env.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey encoding: %w", err)
	}
	if !bytes.Equal(pubkey, []byte(leafKey)) {
		return nil, fmt.Errorf("envelope pubkey does not match certificate leaf")
	}

	// The signature is already bound to the leaf at this point, so a
	// cached parse for the same leaf is safe to reuse.
	fingerprint, err := certificates.LeafFingerprint(env.Certificat)
	if err != nil {
		return nil, err
	}
	if v.cache != nil {
		if cached := v.cache.Get(ctx, fingerprint); cached != nil {
			return cached, nil
		}
	}

	claims, err := certificates.ParseChain(env.Certificat)
	if err != nil {
		return nil, err
	}
	if v.cache != nil {
		v.cache.Put(ctx, claims)
	}
	return claims, nil
}
