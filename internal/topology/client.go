// Package topology is the client for the platform file registry
// (CoreTopologie): claims tell the registry a fuuid is still
// referenced and should be retained.
package topology

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

// RPCTimeout bounds claim exchanges.
const RPCTimeout = 3 * time.Second

// Client issues claim commands to the topology registry.
type Client struct {
	requester bus.Requester
	metrics   *monitoring.Metrics
	log       zerolog.Logger
}

// NewClient builds a topology client over the bus requester.
func NewClient(requester bus.Requester, metrics *monitoring.Metrics) *Client {
	return &Client{
		requester: requester,
		metrics:   metrics,
		log:       logging.WithComponent("topology"),
	}
}

// claimRequest is the wire form shared by claimAndFilehostVisits and
// claimFiles. BatchNo and Done are only set by the sweep.
type claimRequest struct {
	Fuuids  []string `json:"fuuids"`
	BatchNo *int     `json:"batch_no,omitempty"`
	Done    *bool    `json:"done,omitempty"`
}

// claimResponse is the registry confirmation.
type claimResponse struct {
	Ok      bool     `json:"ok"`
	Err     string   `json:"err,omitempty"`
	Unknown []string `json:"unknown,omitempty"`
}

// ClaimAndVisit submits the fuuids introduced by a data-item save.
// Called inline after commit; failures are reconciled by the sweep.
func (c *Client) ClaimAndVisit(ctx context.Context, fuuids []string) error {
	return c.claim(ctx, domain.ActionClaimAndFilehostVisit, claimRequest{Fuuids: fuuids})
}

// ClaimFiles submits one sweep batch, numbered from 0, with done set
// on the final batch.
func (c *Client) ClaimFiles(ctx context.Context, batchNo int, done bool, fuuids []string) error {
	return c.claim(ctx, domain.ActionClaimFiles, claimRequest{Fuuids: fuuids, BatchNo: &batchNo, Done: &done})
}

func (c *Client) claim(ctx context.Context, action string, req claimRequest) error {
	routing := bus.Routing{
		Exchange: certificates.ExchangeProtected,
		Domain:   domain.DomainTopology,
		Action:   action,
		Timeout:  RPCTimeout,
	}

	start := time.Now()
	resp, err := c.requester.Command(ctx, routing, req)
	if c.metrics != nil {
		c.metrics.DownstreamDuration.WithLabelValues(domain.DomainTopology, action).
			Observe(time.Since(start).Seconds())
	}

	if err != nil {
		kind := "transport"
		code := bus.CodeTransportErr
		if errors.Is(err, bus.ErrTimeout) {
			kind = "timeout"
			code = bus.CodeGeneric
		}
		if c.metrics != nil {
			c.metrics.DownstreamFailures.WithLabelValues(domain.DomainTopology, action, kind).Inc()
		}
		return bus.Errf(code, "%s: %v", action, err)
	}

	var confirmation claimResponse
	if err := json.Unmarshal(resp.Body, &confirmation); err != nil {
		return bus.Errf(bus.CodeBadReplyType, "%s: undecodable confirmation", action)
	}
	if !confirmation.Ok {
		if c.metrics != nil {
			c.metrics.DownstreamFailures.WithLabelValues(domain.DomainTopology, action, "rejected").Inc()
		}
		c.log.Error().Str("action", action).Str("err", confirmation.Err).Msg("topology rejected claim")
		return bus.Errf(bus.CodeDownstreamErr, "%s rejected: %s", action, confirmation.Err)
	}
	return nil
}
