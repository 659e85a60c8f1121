// Package keymaster is the bounded client for the key-escrow domain
// (MaitreDesCles): forward attached key material for escrow, and fetch
// re-encrypted decryption bundles for callers.
package keymaster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
	"github.com/millegrilles/datacollector/internal/domain"
	"github.com/millegrilles/datacollector/internal/logging"
	"github.com/millegrilles/datacollector/internal/monitoring"
)

// RPCTimeout bounds every KeyMaster exchange. The timeout is part of
// the interface contract, surfaced as code 1.
const RPCTimeout = 3 * time.Second

// Client issues bounded RPCs to the KeyMaster.
type Client struct {
	requester bus.Requester
	metrics   *monitoring.Metrics
	log       zerolog.Logger
}

// NewClient builds a KeyMaster client over the bus requester.
func NewClient(requester bus.Requester, metrics *monitoring.Metrics) *Client {
	return &Client{
		requester: requester,
		metrics:   metrics,
		log:       logging.WithComponent("keymaster"),
	}
}

// TransmitAttachedKey forwards a signed key command verbatim to
// ajouterCleDomaines on the public exchange. On ok the key is
// escrowed; every failure comes back as a coded error: 1 timeout,
// 2 undecodable reply, 3 rejected (inner error relayed), 4 transport.
func (c *Client) TransmitAttachedKey(ctx context.Context, key json.RawMessage) error {
	routing := bus.Routing{
		Exchange: certificates.ExchangePublic,
		Domain:   domain.DomainKeyMaster,
		Action:   domain.ActionAddKeyToDomains,
		Timeout:  RPCTimeout,
	}

	start := time.Now()
	resp, err := c.requester.CommandForward(ctx, routing, key)
	c.observe(domain.ActionAddKeyToDomains, start)

	if err != nil {
		return c.mapFailure(domain.ActionAddKeyToDomains, err)
	}
	if !resp.Ok {
		c.fail(domain.ActionAddKeyToDomains, "rejected")
		c.log.Error().Str("err", resp.Err).Msg("key escrow rejected")
		msg := resp.Err
		if msg == "" {
			msg = resp.Message
		}
		return bus.Errf(bus.CodeDownstreamErr, "%s", msg)
	}
	c.log.Debug().Msg("key saved properly")
	return nil
}

// decryptKeysRequest is the requeteDechiffrageV2 wire form.
type decryptKeysRequest struct {
	CleIDs           []string `json:"cle_ids"`
	Certificat       []string `json:"certificat_rechiffrage,omitempty"`
	InclureSignature bool     `json:"inclure_signature,omitempty"`
}

// DecryptKeysFor requests the decryption bundle for the given key ids,
// re-encrypted for the client certificate chain. The id set is
// deduplicated before the call; the returned envelope is relayed to
// the caller unchanged.
func (c *Client) DecryptKeysFor(ctx context.Context, cleIDs []string, clientChain []string) (json.RawMessage, error) {
	if len(cleIDs) == 0 {
		return nil, nil
	}
	routing := bus.Routing{
		Exchange: certificates.ExchangeProtected,
		Domain:   domain.DomainKeyMaster,
		Action:   domain.ActionDecryptKeysV2,
		Timeout:  RPCTimeout,
	}
	req := decryptKeysRequest{CleIDs: dedupe(cleIDs), Certificat: clientChain}

	start := time.Now()
	resp, err := c.requester.Request(ctx, routing, req)
	c.observe(domain.ActionDecryptKeysV2, start)

	if err != nil {
		return nil, c.mapFailure(domain.ActionDecryptKeysV2, err)
	}
	if !resp.Ok {
		c.fail(domain.ActionDecryptKeysV2, "rejected")
		return nil, resp.AsError()
	}
	return resp.Body, nil
}

func (c *Client) mapFailure(action string, err error) error {
	switch {
	case errors.Is(err, bus.ErrTimeout):
		c.fail(action, "timeout")
		c.log.Error().Str("action", action).Msg("KeyMaster timeout")
		return bus.Errf(bus.CodeGeneric, "Timeout")
	case errors.Is(err, bus.ErrBadReply):
		c.fail(action, "bad_reply")
		return bus.Errf(bus.CodeBadReplyType, "Bad response type")
	case errors.Is(err, bus.ErrTransport):
		c.fail(action, "transport")
		return bus.Errf(bus.CodeTransportErr, "Error: %v", err)
	default:
		return err
	}
}

func (c *Client) observe(action string, start time.Time) {
	if c.metrics != nil {
		c.metrics.DownstreamDuration.WithLabelValues(domain.DomainKeyMaster, action).
			Observe(time.Since(start).Seconds())
	}
}

func (c *Client) fail(action, kind string) {
	if c.metrics != nil {
		c.metrics.DownstreamFailures.WithLabelValues(domain.DomainKeyMaster, action, kind).Inc()
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
