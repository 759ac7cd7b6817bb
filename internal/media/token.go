package media

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role selects which media privileges a token grants. Both call sides publish
// audio/video, so both get RolePublisher.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// DefaultTokenTTL matches the media provider's maximum credential lifetime.
const DefaultTokenTTL = 7200 * time.Second

// Token is one signed media credential.
type Token struct {
	Value     string    `json:"value"`
	Channel   string    `json:"channel"`
	UID       string    `json:"uid"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CallTokens is the full credential set returned at session allocation.
type CallTokens struct {
	AppID    string `json:"app_id"`
	Channel  string `json:"channel"`
	Talker   Token  `json:"talker"`
	Listener Token  `json:"listener"`
}

// TokenIssuer derives media channel names and signed join credentials from
// the provider app id and certificate. Derivation is pure; the same inputs
// always produce the same token.
type TokenIssuer struct {
	appID          string
	appCertificate string
	ttl            time.Duration
}

func NewTokenIssuer(appID, appCertificate string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{appID: appID, appCertificate: appCertificate, ttl: ttl}
}

// ChannelName derives the media channel for a session. The creation unix
// timestamp is baked in so a re-created session never collides with a stale
// channel.
func ChannelName(sessionID uuid.UUID, createdAt time.Time) string {
	return fmt.Sprintf("call_session_%s_%d", sessionID, createdAt.Unix())
}

// BuildToken signs a join credential for one participant.
func (i *TokenIssuer) BuildToken(channel, uid string, role Role, expiresAt time.Time) Token {
	mac := hmac.New(sha256.New, []byte(i.appCertificate))
	fmt.Fprintf(mac, "%s:%s:%s:%s:%d", i.appID, channel, uid, role, expiresAt.Unix())
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return Token{
		Value:     fmt.Sprintf("%s.%d.%s", i.appID, expiresAt.Unix(), sig),
		Channel:   channel,
		UID:       uid,
		Role:      role,
		ExpiresAt: expiresAt,
	}
}

// TokenFor issues a fresh credential for one user on the channel, expiring
// after the configured TTL.
func (i *TokenIssuer) TokenFor(channel string, userID uuid.UUID, now time.Time) Token {
	return i.BuildToken(channel, userID.String(), RolePublisher, now.Add(i.ttl))
}

// TokensForCall issues the credential pair for both participants.
func (i *TokenIssuer) TokensForCall(channel string, talkerID, listenerID uuid.UUID, now time.Time) CallTokens {
	return CallTokens{
		AppID:    i.appID,
		Channel:  channel,
		Talker:   i.TokenFor(channel, talkerID, now),
		Listener: i.TokenFor(channel, listenerID, now),
	}
}
