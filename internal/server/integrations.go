package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/speed-chat/server/internal/auth"
	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/store"
	logx "github.com/speed-chat/server/pkg/logger"
)

const maxWebhookBody = 1 << 20

var errNotConfigured = errx.New(nil, http.StatusServiceUnavailable, "integration is not configured")

// ================ Clerk ================

func (s *Server) clerkWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Clerk == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, errx.New(err, http.StatusBadRequest, "Error occurred"))
		return
	}

	evt, err := s.deps.Clerk.Verify(payload, r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Clerk.Handle(r.Context(), evt); err != nil {
		if errx.StatusOf(err) != http.StatusBadRequest {
			err = errx.New(err, http.StatusInternalServerError, "Database error occurred")
		}
		writeError(w, r, err)
		return
	}
	logx.Info().Str("type", evt.Type).Msg("Clerk webhook processed")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook received"})
}

// ================ Gmail OAuth ================

func (s *Server) gmailLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gmail == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	target, err := s.deps.Gmail.AuthURL(r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) integrationsURL(key, value string) string {
	base := strings.TrimRight(s.opts.WebAppURL, "/")
	return base + "/integrations?" + url.Values{key: {value}}.Encode()
}

func (s *Server) gmailCallback(w http.ResponseWriter, r *http.Request) {
	fail := func(reason string) {
		http.Redirect(w, r, s.integrationsURL("error", reason), http.StatusFound)
	}

	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		logx.Error().Str("error", oauthErr).Msg("OAuth error")
		fail(oauthErr)
		return
	}
	code := q.Get("code")
	if code == "" {
		fail("no_code")
		return
	}
	state := q.Get("state")
	if state == "" {
		fail("invalid_state")
		return
	}
	if s.deps.Gmail == nil {
		fail("not_configured")
		return
	}
	userID, err := s.deps.Gmail.ParseState(state)
	if errors.Is(err, auth.ErrStateNoUser) {
		fail("unauthorized")
		return
	}
	if err != nil {
		logx.Error().Err(err).Msg("Invalid state parameter")
		fail("invalid_state")
		return
	}

	ctx := r.Context()
	tok, err := s.deps.Gmail.Exchange(ctx, code)
	if err != nil {
		logx.Error().Err(err).Str("user_id", userID).Msg("Token exchange failed")
		fail("token_exchange_failed")
		return
	}

	in := store.Integration{
		UserID:             userID,
		Provider:           store.ProviderGmail,
		AccessToken:        tok.AccessToken,
		TokenExpiry:        &tok.Expiry,
		RefreshTokenExpiry: &tok.RefreshTokenExpiry,
	}
	if tok.RefreshToken != "" {
		in.RefreshToken = &tok.RefreshToken
	}
	if _, err := s.deps.Store.UpsertIntegration(ctx, in); err != nil {
		logx.Error().Err(err).Str("user_id", userID).Msg("Failed to store gmail integration")
		fail("callback_failed")
		return
	}
	logx.Info().Str("user_id", userID).Msg("Gmail connected")
	http.Redirect(w, r, s.integrationsURL("gmail", "connected"), http.StatusFound)
}

// ================ Composio toolkits ================

type connectResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

func (s *Server) toolkitConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityID, name := q.Get("entityId"), q.Get("toolkit")
	if entityID == "" || name == "" {
		writeError(w, r, errx.BadRequest("entityId and toolkit are required"))
		return
	}
	if s.deps.Connector == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	tk, ok := s.deps.Toolkits.Resolve(name)
	if !ok {
		writeError(w, r, errx.BadRequest("unknown toolkit "+name))
		return
	}

	redirectURL, err := s.deps.Connector.InitiateConnection(r.Context(), entityID, tk.AuthConfigID)
	if err != nil {
		writeError(w, r, errx.New(err, http.StatusInternalServerError, "Internal server error"))
		return
	}
	writeData(w, connectResponse{RedirectURL: redirectURL})
}

type statusResponse struct {
	UserID   string          `json:"userId"`
	Toolkits map[string]bool `json:"toolkits"`
	Cached   bool            `json:"cached,omitempty"`
}

// toolkitStatus checks every configured toolkit for the user and records the
// result. When Composio is unreachable the last recorded status is served.
func (s *Server) toolkitStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, r, errx.BadRequest("userId is required"))
		return
	}
	if s.deps.Connector == nil {
		writeError(w, r, errNotConfigured)
		return
	}

	ctx := r.Context()
	status, err := s.deps.Connector.ConnectedToolkits(ctx, userID, s.deps.Toolkits)
	if err != nil {
		logx.Warn().Err(err).Str("user_id", userID).Msg("Toolkit status check failed")
		cached, cerr := s.deps.Store.ComposioToolkits(ctx, userID)
		if cerr != nil || len(cached) == 0 {
			writeError(w, r, errx.Upstream(err))
			return
		}
		writeData(w, statusResponse{UserID: userID, Toolkits: cached, Cached: true})
		return
	}
	if err := s.deps.Store.UpsertComposioToolkits(ctx, userID, status); err != nil {
		logx.Warn().Err(err).Str("user_id", userID).Msg("Failed to record toolkit status")
	}
	writeData(w, statusResponse{UserID: userID, Toolkits: status})
}
