// Package auth implements the Gmail OAuth flow and Clerk webhook handling.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	errx "github.com/speed-chat/server/internal/core/error"
)

// GoogleConfig is bound from the GOOGLE_OAUTH_* variables.
type GoogleConfig struct {
	ClientID     string `envconfig:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret string `envconfig:"GOOGLE_OAUTH_CLIENT_SECRET"`
	RedirectURL  string `envconfig:"GOOGLE_OAUTH_REDIRECT_URL"`
}

func (c GoogleConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

var GmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/gmail.modify",
}

// DefaultRefreshTokenTTL applies when Google does not report refresh_token_expires_in.
const DefaultRefreshTokenTTL = 180 * 24 * time.Hour

// StateMaxAge bounds the time between AuthURL and the callback.
const StateMaxAge = 15 * time.Minute

var (
	ErrInvalidState = errors.New("invalid oauth state")
	ErrStateNoUser  = errors.New("oauth state has no user")
)

// GmailOAuth runs the authorization code flow for Gmail access.
type GmailOAuth struct {
	cfg *oauth2.Config
	key []byte
	now func() time.Time
}

type GmailOption func(*GmailOAuth)

// WithEndpoint replaces Google's OAuth endpoint.
func WithEndpoint(ep oauth2.Endpoint) GmailOption {
	return func(g *GmailOAuth) { g.cfg.Endpoint = ep }
}

func WithClock(now func() time.Time) GmailOption {
	return func(g *GmailOAuth) { g.now = now }
}

func NewGmailOAuth(c GoogleConfig, opts ...GmailOption) *GmailOAuth {
	g := &GmailOAuth{
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       GmailScopes,
			Endpoint:     google.Endpoint,
		},
		key: []byte(c.ClientSecret),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type oauthState struct {
	UserID   string `json:"userId"`
	IssuedAt int64  `json:"iat"`
}

// AuthURL returns the consent page URL. The state is the base64url JSON
// payload and its HMAC-SHA256 under the client secret, joined by a dot.
func (g *GmailOAuth) AuthURL(userID string) (string, error) {
	if userID == "" {
		return "", errx.BadRequest("userId is required")
	}
	state, err := g.signState(oauthState{UserID: userID, IssuedAt: g.now().Unix()})
	if err != nil {
		return "", err
	}
	return g.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (g *GmailOAuth) signState(st oauthState) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + base64.RawURLEncoding.EncodeToString(g.mac(payload)), nil
}

func (g *GmailOAuth) mac(payload string) []byte {
	h := hmac.New(sha256.New, g.key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

// ParseState verifies a callback state and returns its user id. Unsigned,
// tampered or expired states fail with ErrInvalidState.
func (g *GmailOAuth) ParseState(state string) (string, error) {
	payload, sig, ok := strings.Cut(state, ".")
	if !ok {
		return "", fmt.Errorf("%w: missing signature", ErrInvalidState)
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, g.mac(payload)) {
		return "", fmt.Errorf("%w: bad signature", ErrInvalidState)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var st oauthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	issued := time.Unix(st.IssuedAt, 0)
	if age := g.now().Sub(issued); age > StateMaxAge || age < -time.Minute {
		return "", fmt.Errorf("%w: issued %s", ErrInvalidState, issued.UTC().Format(time.RFC3339))
	}
	if st.UserID == "" {
		return "", ErrStateNoUser
	}
	return st.UserID, nil
}

// Token is the result of a code exchange.
type Token struct {
	AccessToken        string
	RefreshToken       string
	Expiry             time.Time
	RefreshTokenExpiry time.Time
}

// Exchange trades an authorization code for tokens.
func (g *GmailOAuth) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errx.Upstream(fmt.Errorf("token exchange: %w", err))
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	now := g.now()
	if out.Expiry.IsZero() {
		out.Expiry = now.Add(time.Hour)
	}
	if secs, ok := seconds(tok.Extra("refresh_token_expires_in")); ok && secs > 0 {
		out.RefreshTokenExpiry = now.Add(time.Duration(secs) * time.Second)
	} else {
		out.RefreshTokenExpiry = now.Add(DefaultRefreshTokenTTL)
	}
	return out, nil
}

func seconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
