package apisession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultRefreshWindow = 60 * time.Second

type OAuthSessionConfig struct {
	OrgID         string
	OAuth         *oauth2.Config
	Store         CredentialStore
	HTTPClient    *http.Client
	Timeout       time.Duration
	RefreshWindow time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// OAuthSession signs calls with the org's stored bearer token and refreshes it shortly before expiry.
type OAuthSession struct {
	orgID         string
	oauth         *oauth2.Config
	store         CredentialStore
	client        *http.Client
	timeout       time.Duration
	refreshWindow time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func NewOAuthSession(cfg OAuthSessionConfig) (*OAuthSession, error) {
	if cfg.Store == nil {
		return nil, errors.New("apisession: credential store is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	window := cfg.RefreshWindow
	if window <= 0 {
		window = defaultRefreshWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &OAuthSession{
		orgID:         cfg.OrgID,
		oauth:         cfg.OAuth,
		store:         cfg.Store,
		client:        client,
		timeout:       timeout,
		refreshWindow: window,
		clock:         clock,
		logger:        logger,
	}, nil
}

func (s *OAuthSession) Do(ctx context.Context, request Request) ([]byte, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	result, err := send(ctx, s.client, request, s.timeout, func(httpRequest *http.Request) {
		httpRequest.Header.Set("Authorization", token.Type()+" "+token.AccessToken)
	})
	if err != nil {
		return nil, err
	}
	return result.body, nil
}

func (s *OAuthSession) token(ctx context.Context) (*oauth2.Token, error) {
	credential, found, err := s.store.LoadCredential(ctx, s.orgID)
	if err != nil {
		return nil, err
	}
	if !found || len(credential.Token) == 0 {
		return nil, missingConfig("org %s has no stored token", s.orgID)
	}
	var token oauth2.Token
	if err := json.Unmarshal(credential.Token, &token); err != nil {
		return nil, missingConfig("org %s token is unreadable: %v", s.orgID, err)
	}
	if token.AccessToken != "" && (token.Expiry.IsZero() || token.Expiry.Sub(s.clock()) >= s.refreshWindow) {
		return &token, nil
	}

	s.logger.Info("access token about to expire, refreshing", zap.String("org_id", s.orgID))
	refreshed, err := s.refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(refreshed)
	if err != nil {
		return nil, &Error{Kind: KindOther, Err: err}
	}
	credential.Token = encoded
	if err := s.store.SaveCredential(ctx, &credential); err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (s *OAuthSession) refresh(ctx context.Context, token oauth2.Token) (*oauth2.Token, error) {
	if s.oauth == nil || s.oauth.ClientID == "" || s.oauth.Endpoint.TokenURL == "" {
		return nil, missingConfig("provider oauth client is not configured")
	}
	if token.RefreshToken == "" {
		return nil, &Error{Kind: KindInvalidGrant, Err: errors.New("stored token has no refresh token")}
	}
	stale := token
	stale.AccessToken = ""
	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, s.client)
	refreshed, err := s.oauth.TokenSource(refreshCtx, &stale).Token()
	if err == nil {
		return refreshed, nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			s.logger.Warn("token refresh rejected with invalid_grant", zap.String("org_id", s.orgID))
			return nil, &Error{Kind: KindInvalidGrant, Err: err}
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return nil, &Error{Kind: kindForStatus(status), Status: status, URL: s.oauth.Endpoint.TokenURL, Err: err}
	}
	return nil, &Error{Kind: KindOther, URL: s.oauth.Endpoint.TokenURL, Err: err}
}

// ErrInvalidToken marks a granted token that carries neither an access nor a refresh token.
var ErrInvalidToken = errors.New("apisession: invalid oauth token")

// NormalizeToken parses a token handed over by an external auth flow and re-encodes it in
// the form OAuthSession reads back from the credential store.
func NormalizeToken(raw []byte) ([]byte, error) {
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no access or refresh token", ErrInvalidToken)
	}
	return json.Marshal(token)
}

var _ Session = (*OAuthSession)(nil)
var _ CredentialStore = (*ledger.Store)(nil)
