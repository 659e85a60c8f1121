package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
)

func TestHandleMessageRegenerationGate(t *testing.T) {
	env := newTestEnv()
	env.manager.SetRegenerating(true)

	msg := newMessage("req-1", RequestGetFeeds, getFeedsRequest{}, userClaims("u1"), bus.MessageRequest)
	reply := env.manager.HandleMessage(context.Background(), msg)

	resp := reply.(map[string]interface{})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, bus.CodeRegenerating, resp["code"])
	assert.Equal(t, "System is regenerating", resp["err"])
}

func TestHandleMessageUnknownAction(t *testing.T) {
	env := newTestEnv()

	msg := newMessage("cmd-1", "frobnicate", map[string]string{}, userClaims("u1"), bus.MessageCommand)
	reply := env.manager.HandleMessage(context.Background(), msg)

	resp := reply.(map[string]interface{})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, bus.CodeUnknownAction, resp["code"])
}

func TestHandleMessageUnauthorized(t *testing.T) {
	env := newTestEnv()

	// A certificate with no user id, exchange or delegation is rejected
	// before dispatch.
	msg := newMessage("req-1", RequestGetFeeds, getFeedsRequest{},
		&certificates.Claims{Fingerprint: "fp"}, bus.MessageRequest)
	reply := env.manager.HandleMessage(context.Background(), msg)

	resp := reply.(map[string]interface{})
	assert.Equal(t, bus.CodeUnauthorized, resp["code"])
}

func TestHandleMessageTransactionReplaysSilently(t *testing.T) {
	env := newTestEnv()
	env.manager.SetRegenerating(true)

	msg := createFeedTx("feed-1", userClaims("u1"))
	msg.Kind = bus.MessageTransaction
	reply := env.manager.HandleMessage(context.Background(), msg)

	// The applier ran, no reply went out, nothing re-entered the log.
	assert.Nil(t, reply)
	_, err := env.feeds.Get(context.Background(), "feed-1")
	require.NoError(t, err)
	assert.Equal(t, 0, env.txlog.count())
}

func TestHandleMessageRequestOk(t *testing.T) {
	env := newTestEnv()

	msg := newMessage("req-1", RequestGetFeeds, getFeedsRequest{}, userClaims("u1"), bus.MessageRequest)
	reply := env.manager.HandleMessage(context.Background(), msg)
	assert.True(t, reply.(getFeedsReply).Ok)
}
