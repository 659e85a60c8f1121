package bus

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T, kind int) (*Envelope, ed25519.PrivateKey) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       kind,
		Contenu:    `{"feed_id":"F"}`,
		Routage:    &Routage{Action: "getFeeds", Domaine: "DataCollector"},
	}
	require.NoError(t, env.Sign(key))
	return env, key
}

func TestEnvelopeSignVerifyRoundtrip(t *testing.T) {
	env, _ := signedEnvelope(t, KindRequest)
	assert.NoError(t, env.VerifyID())
	assert.NoError(t, env.VerifySignature())
}

func TestEnvelopeIDCoversRoutage(t *testing.T) {
	env, _ := signedEnvelope(t, KindCommand)

	// Rerouting a signed envelope breaks its content address.
	env.Routage.Action = "deleteFeed"
	assert.Error(t, env.VerifyID())
}

func TestEnvelopeReplyOmitsRoutageFromID(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := &Envelope{
		Estampille: time.Now().Unix(),
		Kind:       KindReply,
		Contenu:    `{"ok":true}`,
	}
	require.NoError(t, env.Sign(key))
	require.NoError(t, env.VerifyID())

	// Replies hash without routage; attaching one after the fact does
	// not invalidate the id.
	env.Routage = &Routage{Action: "x"}
	assert.NoError(t, env.VerifyID())
}

func TestEnvelopeTamperedContent(t *testing.T) {
	env, _ := signedEnvelope(t, KindCommand)
	env.Contenu = `{"feed_id":"G"}`
	assert.Error(t, env.VerifyID())
}

func TestEnvelopeForeignSignature(t *testing.T) {
	env, _ := signedEnvelope(t, KindCommand)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// The id no longer matches either, but the signature check alone
	// must fail too.
	env.Pubkey = hex.EncodeToString(otherPub)
	assert.Error(t, env.VerifySignature())
}

func TestEnvelopeParseContent(t *testing.T) {
	env, _ := signedEnvelope(t, KindRequest)
	var body struct {
		FeedID string `json:"feed_id"`
	}
	require.NoError(t, env.ParseContent(&body))
	assert.Equal(t, "F", body.FeedID)
}

func TestEnvelopeAttachment(t *testing.T) {
	env, _ := signedEnvelope(t, KindCommand)
	assert.Nil(t, env.Attachment("key"))

	env.Attachments = map[string]json.RawMessage{"key": json.RawMessage(`{"cle":"x"}`)}
	assert.JSONEq(t, `{"cle":"x"}`, string(env.Attachment("key")))
}
