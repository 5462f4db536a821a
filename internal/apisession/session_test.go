package apisession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type memoryCredentials struct {
	mu    sync.Mutex
	byOrg map[string]ledger.OrgCredential
	saves int
}

func newMemoryCredentials(credentials ...ledger.OrgCredential) *memoryCredentials {
	store := &memoryCredentials{byOrg: map[string]ledger.OrgCredential{}}
	for _, credential := range credentials {
		store.byOrg[credential.OrgID] = credential
	}
	return store
}

func (m *memoryCredentials) LoadCredential(ctx context.Context, orgID string) (ledger.OrgCredential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	credential, ok := m.byOrg[orgID]
	return credential, ok, nil
}

func (m *memoryCredentials) SaveCredential(ctx context.Context, credential *ledger.OrgCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byOrg[credential.OrgID] = *credential
	m.saves++
	return nil
}

func tokenCredential(t *testing.T, orgID string, token oauth2.Token) ledger.OrgCredential {
	t.Helper()
	encoded, err := json.Marshal(token)
	require.NoError(t, err)
	return ledger.OrgCredential{OrgID: orgID, Token: encoded}
}

func TestSendClassifiesStatuses(t *testing.T) {
	cases := map[int]Kind{
		http.StatusTooManyRequests:     KindRateLimited,
		http.StatusUnauthorized:        KindUnauthorized,
		http.StatusForbidden:           KindForbidden,
		http.StatusInternalServerError: KindOther,
	}
	for status, expected := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := send(context.Background(), server.Client(), Get(server.URL), time.Second, nil)
		server.Close()

		kind, ok := KindOf(err)
		require.True(t, ok, "status %d", status)
		assert.Equal(t, expected, kind, "status %d", status)
	}
}

func TestDisconnectClassification(t *testing.T) {
	assert.True(t, IsDisconnect(&Error{Kind: KindUnauthorized}))
	assert.True(t, IsDisconnect(&Error{Kind: KindInvalidGrant}))
	assert.True(t, IsDisconnect(missingConfig("nothing")))
	assert.False(t, IsDisconnect(&Error{Kind: KindRateLimited}))
	assert.True(t, IsRateLimited(&Error{Kind: KindRateLimited}))
	assert.False(t, IsDisconnect(context.DeadlineExceeded))
}

func TestOAuthSessionUsesStoredToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var authorization string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer api.Close()

	store := newMemoryCredentials(tokenCredential(t, "org-1", oauth2.Token{
		AccessToken: "current", TokenType: "bearer", RefreshToken: "refresh", Expiry: now.Add(time.Hour),
	}))
	session, err := NewOAuthSession(OAuthSessionConfig{OrgID: "org-1", Store: store, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	body, err := session.Do(context.Background(), Get(api.URL))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "Bearer current", authorization)
	assert.Equal(t, 0, store.saves)
}

func TestOAuthSessionRefreshesNearExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"renewed","token_type":"bearer","expires_in":3600,"refresh_token":"refresh-2"}`))
	}))
	defer tokenServer.Close()

	var authorization string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()

	store := newMemoryCredentials(tokenCredential(t, "org-1", oauth2.Token{
		AccessToken: "stale", TokenType: "bearer", RefreshToken: "refresh", Expiry: now.Add(30 * time.Second),
	}))
	session, err := NewOAuthSession(OAuthSessionConfig{
		OrgID: "org-1",
		Store: store,
		OAuth: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: tokenServer.URL, AuthStyle: oauth2.AuthStyleInParams},
		},
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)

	_, err = session.Do(context.Background(), Get(api.URL))
	require.NoError(t, err)
	assert.Equal(t, "Bearer renewed", authorization)
	assert.Equal(t, 1, store.saves)

	var saved oauth2.Token
	require.NoError(t, json.Unmarshal(store.byOrg["org-1"].Token, &saved))
	assert.Equal(t, "refresh-2", saved.RefreshToken)
}

func TestOAuthSessionMapsInvalidGrant(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	store := newMemoryCredentials(tokenCredential(t, "org-1", oauth2.Token{
		AccessToken: "stale", RefreshToken: "revoked", Expiry: now.Add(-time.Minute),
	}))
	session, err := NewOAuthSession(OAuthSessionConfig{
		OrgID: "org-1",
		Store: store,
		OAuth: &oauth2.Config{
			ClientID: "client",
			Endpoint: oauth2.Endpoint{TokenURL: tokenServer.URL, AuthStyle: oauth2.AuthStyleInParams},
		},
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)

	_, err = session.Do(context.Background(), Get("http://unused.invalid"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidGrant, kind)
	assert.True(t, IsDisconnect(err))
}

func TestNormalizeTokenRoundTripsIntoSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var authorization string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()

	encoded, err := NormalizeToken([]byte(`{"access_token":"granted","token_type":"bearer","refresh_token":"r","expiry":"2024-05-01T13:00:00Z","x_refresh_token_expires_in":8726400}`))
	require.NoError(t, err)
	store := newMemoryCredentials(ledger.OrgCredential{OrgID: "org-1", Token: encoded})
	session, err := NewOAuthSession(OAuthSessionConfig{OrgID: "org-1", Store: store, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	_, err = session.Do(context.Background(), Get(api.URL))
	require.NoError(t, err)
	assert.Equal(t, "Bearer granted", authorization)
	assert.NotContains(t, string(encoded), "x_refresh_token_expires_in")

	for _, raw := range []string{`{}`, `{"token_type":"bearer"}`, `"granted"`, `[`} {
		_, err := NormalizeToken([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidToken, raw)
	}
}

func TestOAuthSessionWithoutTokenIsMissingConfig(t *testing.T) {
	session, err := NewOAuthSession(OAuthSessionConfig{OrgID: "org-1", Store: newMemoryCredentials()})
	require.NoError(t, err)

	_, err = session.Do(context.Background(), Get("http://unused.invalid"))
	kind, _ := KindOf(err)
	assert.Equal(t, KindMissingConfig, kind)
}

func TestCookieSessionLogsInOnceAndReplaysCookie(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	logins := 0
	var cookies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connections":
			logins++
			assert.Equal(t, "key", r.Header.Get("apiAccessKeyId"))
			assert.Equal(t, "secret", r.Header.Get("apiSecretAccessKey"))
			w.Header().Set("Set-Cookie", "ZSession=abc; Path=/")
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			cookies = append(cookies, r.Header.Get("Cookie"))
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	}))
	defer server.Close()

	store := newMemoryCredentials(ledger.OrgCredential{OrgID: "org-1", AccessKeyID: "key", SecretAccessKey: "secret"})
	clock := now
	session, err := NewCookieSession(CookieSessionConfig{
		OrgID:   "org-1",
		BaseURL: server.URL + "/",
		Store:   store,
		Clock:   func() time.Time { return clock },
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := session.Do(context.Background(), Get(server.URL+"/accounting-codes"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, logins)
	assert.Equal(t, []string{"ZSession=abc; Path=/", "ZSession=abc; Path=/"}, cookies)

	clock = now.Add(15 * time.Minute)
	_, err = session.Do(context.Background(), Get(server.URL+"/accounting-codes"))
	require.NoError(t, err)
	assert.Equal(t, 2, logins)
}

func TestCookieSessionRejectedLoginIsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := newMemoryCredentials(ledger.OrgCredential{OrgID: "org-1", AccessKeyID: "key", SecretAccessKey: "wrong"})
	session, err := NewCookieSession(CookieSessionConfig{OrgID: "org-1", BaseURL: server.URL, Store: store})
	require.NoError(t, err)

	_, err = session.Do(context.Background(), Get(server.URL+"/accounting-codes"))
	assert.True(t, IsDisconnect(err))
}
