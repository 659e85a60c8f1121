package topology

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

func okConfirmation() *bus.Response {
	return &bus.Response{Ok: true, Body: json.RawMessage(`{"ok":true}`)}
}

func TestClaimAndVisit(t *testing.T) {
	req := &fakeRequester{resp: okConfirmation()}
	c := NewClient(req, nil)

	require.NoError(t, c.ClaimAndVisit(context.Background(), []string{"f1", "f2"}))

	sent := req.payload.(claimRequest)
	assert.Equal(t, []string{"f1", "f2"}, sent.Fuuids)
	assert.Nil(t, sent.BatchNo)
	assert.Nil(t, sent.Done)
	assert.Equal(t, domain.ActionClaimAndFilehostVisit, req.routing.Action)
}

func TestClaimFilesCarriesBatchMarkers(t *testing.T) {
	req := &fakeRequester{resp: okConfirmation()}
	c := NewClient(req, nil)

	require.NoError(t, c.ClaimFiles(context.Background(), 2, true, []string{"f1"}))

	sent := req.payload.(claimRequest)
	require.NotNil(t, sent.BatchNo)
	require.NotNil(t, sent.Done)
	assert.Equal(t, 2, *sent.BatchNo)
	assert.True(t, *sent.Done)
	assert.Equal(t, domain.ActionClaimFiles, req.routing.Action)
}

func TestClaimTimeout(t *testing.T) {
	req := &fakeRequester{err: bus.ErrTimeout}
	c := NewClient(req, nil)

	err := c.ClaimAndVisit(context.Background(), []string{"f1"})
	require.Error(t, err)
	assert.Equal(t, bus.CodeGeneric, err.(*bus.Error).Code)
}

func TestClaimRejected(t *testing.T) {
	req := &fakeRequester{resp: &bus.Response{
		Ok:   true,
		Body: json.RawMessage(`{"ok":false,"err":"unknown filehost"}`),
	}}
	c := NewClient(req, nil)

	err := c.ClaimFiles(context.Background(), 0, false, []string{"f1"})
	require.Error(t, err)
	coded := err.(*bus.Error)
	assert.Equal(t, bus.CodeDownstreamErr, coded.Code)
	assert.Contains(t, coded.Message, "unknown filehost")
}

func TestClaimUndecodableConfirmation(t *testing.T) {
	req := &fakeRequester{resp: &bus.Response{Ok: true, Body: json.RawMessage(`"nope"`)}}
	c := NewClient(req, nil)

	err := c.ClaimAndVisit(context.Background(), []string{"f1"})
	require.Error(t, err)
	assert.Equal(t, bus.CodeBadReplyType, err.(*bus.Error).Code)
}
