// Package mapper dispatches feed-view processing runs to the external
// mapping worker (DatasourceMapper).
package mapper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
	"github.com/millegrilles/datacollector/internal/domain"
	"github.com/millegrilles/datacollector/internal/logging"
	"github.com/millegrilles/datacollector/internal/monitoring"
)

// RPCTimeout bounds the processFeedView dispatch. Part of the
// interface contract, surfaced as code 1.
const RPCTimeout = 5 * time.Second

// Client dispatches processing commands to the mapper.
type Client struct {
	requester bus.Requester
	metrics   *monitoring.Metrics
	log       zerolog.Logger
}

// NewClient builds a mapper client over the bus requester.
func NewClient(requester bus.Requester, metrics *monitoring.Metrics) *Client {
	return &Client{
		requester: requester,
		metrics:   metrics,
		log:       logging.WithComponent("mapper"),
	}
}

type processFeedViewCommand struct {
	FeedID     string `json:"feed_id"`
	FeedViewID string `json:"feed_view_id"`
}

// ProcessFeedView dispatches a processing run for one view. A missing
// confirmation or one with ok false surfaces the remote code and
// message to the caller verbatim.
func (c *Client) ProcessFeedView(ctx context.Context, feedID, feedViewID string) error {
	routing := bus.Routing{
		Exchange: certificates.ExchangeProtected,
		Domain:   domain.DomainMapper,
		Action:   domain.ActionProcessFeedView,
		Timeout:  RPCTimeout,
	}
	cmd := processFeedViewCommand{FeedID: feedID, FeedViewID: feedViewID}

	start := time.Now()
	resp, err := c.requester.Command(ctx, routing, cmd)
	if c.metrics != nil {
		c.metrics.DownstreamDuration.WithLabelValues(domain.DomainMapper, domain.ActionProcessFeedView).
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
			c.metrics.DownstreamFailures.WithLabelValues(domain.DomainMapper, domain.ActionProcessFeedView, kind).Inc()
		}
		c.log.Error().Str("feed_view_id", feedViewID).Err(err).Msg("processFeedView dispatch failed")
		return bus.Errf(code, "processFeedView: %v", err)
	}
	if !resp.Ok {
		if c.metrics != nil {
			c.metrics.DownstreamFailures.WithLabelValues(domain.DomainMapper, domain.ActionProcessFeedView, "rejected").Inc()
		}
		return resp.AsError()
	}
	return nil
}
