package keymaster

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/domain"
	"github.com/millegrilles/datacollector/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "error", JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeRequester scripts one reply or failure per call and records what
// went out.
type fakeRequester struct {
	resp    *bus.Response
	err     error
	routing bus.Routing
	payload interface{}
}

func (f *fakeRequester) Request(_ context.Context, routing bus.Routing, payload interface{}) (*bus.Response, error) {
	f.routing = routing
	f.payload = payload
	return f.resp, f.err
}

func (f *fakeRequester) Command(_ context.Context, routing bus.Routing, payload interface{}) (*bus.Response, error) {
	f.routing = routing
	f.payload = payload
	return f.resp, f.err
}

func (f *fakeRequester) CommandForward(_ context.Context, routing bus.Routing, envelope json.RawMessage) (*bus.Response, error) {
	f.routing = routing
	f.payload = envelope
	return f.resp, f.err
}

func TestTransmitAttachedKeyOk(t *testing.T) {
	req := &fakeRequester{resp: &bus.Response{Ok: true}}
	c := NewClient(req, nil)

	err := c.TransmitAttachedKey(context.Background(), json.RawMessage(`{"cle":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAddKeyToDomains, req.routing.Action)
	assert.Equal(t, RPCTimeout, req.routing.Timeout)
	assert.JSONEq(t, `{"cle":"x"}`, string(req.payload.(json.RawMessage)))
}

func TestTransmitAttachedKeyTimeout(t *testing.T) {
	req := &fakeRequester{err: bus.ErrTimeout}
	c := NewClient(req, nil)

	err := c.TransmitAttachedKey(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	coded := err.(*bus.Error)
	assert.Equal(t, bus.CodeGeneric, coded.Code)
	assert.Equal(t, "Timeout", coded.Message)
}

func TestTransmitAttachedKeyBadReply(t *testing.T) {
	req := &fakeRequester{err: bus.ErrBadReply}
	c := NewClient(req, nil)

	err := c.TransmitAttachedKey(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, bus.CodeBadReplyType, err.(*bus.Error).Code)
}

func TestTransmitAttachedKeyTransport(t *testing.T) {
	req := &fakeRequester{err: bus.ErrTransport}
	c := NewClient(req, nil)

	err := c.TransmitAttachedKey(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, bus.CodeTransportErr, err.(*bus.Error).Code)
}

func TestTransmitAttachedKeyRejected(t *testing.T) {
	req := &fakeRequester{resp: &bus.Response{Ok: false, Err: "Cle refusee"}}
	c := NewClient(req, nil)

	err := c.TransmitAttachedKey(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	coded := err.(*bus.Error)
	assert.Equal(t, bus.CodeDownstreamErr, coded.Code)
	assert.Equal(t, "Cle refusee", coded.Message)
}

func TestDecryptKeysForDedupes(t *testing.T) {
	body := json.RawMessage(`{"ok":true,"cles":{}}`)
	req := &fakeRequester{resp: &bus.Response{Ok: true, Body: body}}
	c := NewClient(req, nil)

	bundle, err := c.DecryptKeysFor(context.Background(), []string{"k1", "k2", "k1"}, []string{"PEM"})
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(bundle))

	sent := req.payload.(decryptKeysRequest)
	assert.Equal(t, []string{"k1", "k2"}, sent.CleIDs)
	assert.Equal(t, []string{"PEM"}, sent.Certificat)
	assert.Equal(t, domain.ActionDecryptKeysV2, req.routing.Action)
}

func TestDecryptKeysForEmptySkipsCall(t *testing.T) {
	req := &fakeRequester{err: bus.ErrTransport}
	c := NewClient(req, nil)

	bundle, err := c.DecryptKeysFor(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, bundle)
	assert.Empty(t, req.routing.Action)
}

func TestDecryptKeysForRejected(t *testing.T) {
	req := &fakeRequester{resp: &bus.Response{Ok: false, Code: 401, Err: "Acces refuse"}}
	c := NewClient(req, nil)

	_, err := c.DecryptKeysFor(context.Background(), []string{"k1"}, nil)
	require.Error(t, err)
	coded := err.(*bus.Error)
	assert.Equal(t, bus.CodeUnauthorized, coded.Code)
	assert.Equal(t, "Acces refuse", coded.Message)
}
