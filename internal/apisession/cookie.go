package apisession

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCookieLifetime = 14 * time.Minute
	cookieRenewMargin     = 60 * time.Second
)

type CookieSessionConfig struct {
	OrgID      string
	BaseURL    string
	Store      CredentialStore
	HTTPClient *http.Client
	Timeout    time.Duration
	Lifetime   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// CookieSession logs in with the org's access key pair and replays the session cookie.
type CookieSession struct {
	orgID    string
	baseURL  string
	store    CredentialStore
	client   *http.Client
	timeout  time.Duration
	lifetime time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

type sessionCookie struct {
	Cookie    string    `json:"cookie"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewCookieSession(cfg CookieSessionConfig) (*CookieSession, error) {
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
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = defaultCookieLifetime
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &CookieSession{
		orgID:    cfg.OrgID,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		store:    cfg.Store,
		client:   client,
		timeout:  timeout,
		lifetime: lifetime,
		clock:    clock,
		logger:   logger,
	}, nil
}

// BaseURL returns the provider root without a trailing slash.
func (s *CookieSession) BaseURL() string {
	return s.baseURL
}

func (s *CookieSession) Do(ctx context.Context, request Request) ([]byte, error) {
	cookie, err := s.cookie(ctx)
	if err != nil {
		return nil, err
	}
	result, err := send(ctx, s.client, request, s.timeout, func(httpRequest *http.Request) {
		httpRequest.Header.Set("Cookie", cookie)
	})
	if err != nil {
		return nil, err
	}
	return result.body, nil
}

func (s *CookieSession) cookie(ctx context.Context) (string, error) {
	credential, found, err := s.store.LoadCredential(ctx, s.orgID)
	if err != nil {
		return "", err
	}
	if !found || credential.AccessKeyID == "" || credential.SecretAccessKey == "" {
		return "", missingConfig("org %s has no access key pair", s.orgID)
	}
	if s.baseURL == "" {
		return "", missingConfig("provider base url is not configured")
	}

	now := s.clock().UTC()
	var cached sessionCookie
	if len(credential.Token) > 0 && json.Unmarshal(credential.Token, &cached) == nil {
		if cached.Cookie != "" && cached.ExpiresAt.Sub(now) > cookieRenewMargin {
			return cached.Cookie, nil
		}
	}

	login := Request{
		Method: http.MethodPost,
		URL:    s.baseURL + "/connections",
		Headers: map[string]string{
			"apiAccessKeyId":     credential.AccessKeyID,
			"apiSecretAccessKey": credential.SecretAccessKey,
			"Accept":             "application/json",
			"Content-Type":       "application/json",
		},
	}
	result, err := send(ctx, s.client, login, s.timeout, nil)
	if err != nil {
		return "", err
	}
	cookie := result.header.Get("Set-Cookie")
	if cookie == "" {
		return "", &Error{Kind: KindUnauthorized, URL: login.URL, Err: errors.New("login returned no session cookie")}
	}

	encoded, err := json.Marshal(sessionCookie{Cookie: cookie, ExpiresAt: now.Add(s.lifetime)})
	if err != nil {
		return "", &Error{Kind: KindOther, Err: err}
	}
	credential.Token = encoded
	if err := s.store.SaveCredential(ctx, &credential); err != nil {
		return "", err
	}
	s.logger.Debug("provider session renewed", zap.String("org_id", s.orgID))
	return cookie, nil
}

var _ Session = (*CookieSession)(nil)
