package media

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestChannelName(t *testing.T) {
	id := uuid.MustParse("3fa3d6ae-6f47-4a89-9f2a-02a2171e9d10")
	at := time.Unix(1700000000, 0)

	assert.Equal(t, "call_session_3fa3d6ae-6f47-4a89-9f2a-02a2171e9d10_1700000000", ChannelName(id, at))
}

func TestBuildTokenDeterministic(t *testing.T) {
	issuer := NewTokenIssuer("app-id", "app-cert", DefaultTokenTTL)
	exp := time.Unix(1700007200, 0)

	a := issuer.BuildToken("call_session_x_1700000000", "uid-1", RolePublisher, exp)
	b := issuer.BuildToken("call_session_x_1700000000", "uid-1", RolePublisher, exp)
	assert.Equal(t, a, b)

	// Any input change produces a different credential.
	assert.NotEqual(t, a.Value, issuer.BuildToken("call_session_y_1700000000", "uid-1", RolePublisher, exp).Value)
	assert.NotEqual(t, a.Value, issuer.BuildToken("call_session_x_1700000000", "uid-2", RolePublisher, exp).Value)
	assert.NotEqual(t, a.Value, issuer.BuildToken("call_session_x_1700000000", "uid-1", RoleSubscriber, exp).Value)
	assert.NotEqual(t, a.Value, issuer.BuildToken("call_session_x_1700000000", "uid-1", RolePublisher, exp.Add(time.Second)).Value)

	other := NewTokenIssuer("app-id", "other-cert", DefaultTokenTTL)
	assert.NotEqual(t, a.Value, other.BuildToken("call_session_x_1700000000", "uid-1", RolePublisher, exp).Value)
}

func TestTokensForCall(t *testing.T) {
	issuer := NewTokenIssuer("app-id", "app-cert", 0) // zero TTL falls back to default
	talker, listener := uuid.New(), uuid.New()
	now := time.Unix(1700000000, 0)

	tokens := issuer.TokensForCall("call_session_x_1700000000", talker, listener, now)

	assert.Equal(t, "app-id", tokens.AppID)
	assert.Equal(t, RolePublisher, tokens.Talker.Role)
	assert.Equal(t, RolePublisher, tokens.Listener.Role)
	assert.Equal(t, talker.String(), tokens.Talker.UID)
	assert.Equal(t, listener.String(), tokens.Listener.UID)
	assert.Equal(t, now.Add(DefaultTokenTTL), tokens.Talker.ExpiresAt)
	assert.NotEqual(t, tokens.Talker.Value, tokens.Listener.Value)
}
