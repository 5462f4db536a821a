package apisession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 64 << 20
	maxErrorBody     = 2048
)

var noOpLogger = zap.NewNop()

// Request is one provider call. A zero Timeout uses the session default.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
	Timeout time.Duration
}

// Get builds a JSON GET request.
func Get(url string) Request {
	return Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: map[string]string{"Accept": "application/json"},
	}
}

// PostJSON builds a JSON POST request.
func PostJSON(url string, body any) (Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("apisession: encode body: %w", err)
	}
	return Request{
		Method: http.MethodPost,
		URL:    url,
		Body:   encoded,
		Headers: map[string]string{
			"Accept":       "application/json",
			"Content-Type": "application/json",
		},
	}, nil
}

// Session issues authenticated calls for one org.
type Session interface {
	Do(ctx context.Context, request Request) ([]byte, error)
}

// CredentialStore persists org credentials.
type CredentialStore interface {
	LoadCredential(ctx context.Context, orgID string) (ledger.OrgCredential, bool, error)
	SaveCredential(ctx context.Context, credential *ledger.OrgCredential) error
}

type FactoryConfig struct {
	Store        CredentialStore
	HTTPClient   *http.Client
	Timeout      time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	QBO          *oauth2.Config
	ZuoraBaseURL string
}

// Factory builds per-org sessions from shared collaborators.
type Factory struct {
	cfg FactoryConfig
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Store == nil {
		return nil, errors.New("apisession: credential store is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Factory{cfg: cfg}, nil
}

// Session returns the session matching the org's provider.
func (f *Factory) Session(org ledger.Org) (Session, error) {
	switch org.Provider {
	case ledger.ProviderQBO:
		return NewOAuthSession(OAuthSessionConfig{
			OrgID:      org.ID,
			OAuth:      f.cfg.QBO,
			Store:      f.cfg.Store,
			HTTPClient: f.cfg.HTTPClient,
			Timeout:    f.cfg.Timeout,
			Clock:      f.cfg.Clock,
			Logger:     f.cfg.Logger,
		})
	case ledger.ProviderZuora:
		return NewCookieSession(CookieSessionConfig{
			OrgID:      org.ID,
			BaseURL:    f.cfg.ZuoraBaseURL,
			Store:      f.cfg.Store,
			HTTPClient: f.cfg.HTTPClient,
			Timeout:    f.cfg.Timeout,
			Clock:      f.cfg.Clock,
			Logger:     f.cfg.Logger,
		})
	default:
		return nil, missingConfig("no api session for provider %q", org.Provider)
	}
}

type response struct {
	body   []byte
	header http.Header
}

func send(ctx context.Context, client *http.Client, request Request, defaultTimeout time.Duration, decorate func(*http.Request)) (response, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, err := http.NewRequestWithContext(callCtx, method, request.URL, body)
	if err != nil {
		return response{}, &Error{Kind: KindOther, URL: request.URL, Err: err}
	}
	for key, value := range request.Headers {
		httpRequest.Header.Set(key, value)
	}
	if decorate != nil {
		decorate(httpRequest)
	}

	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		return response{}, &Error{Kind: KindOther, URL: request.URL, Err: err}
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return response{}, &Error{Kind: KindOther, Status: httpResponse.StatusCode, URL: request.URL, Err: err}
	}
	if httpResponse.StatusCode != http.StatusOK {
		excerpt := payload
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return response{}, &Error{
			Kind:   kindForStatus(httpResponse.StatusCode),
			Status: httpResponse.StatusCode,
			URL:    request.URL,
			Body:   string(excerpt),
		}
	}
	return response{body: payload, header: httpResponse.Header}, nil
}
