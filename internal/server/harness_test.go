package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/adapter"
	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/auth"
	"github.com/MarcoPoloResearchLab/glsync/internal/changesets"
	"github.com/MarcoPoloResearchLab/glsync/internal/database"
	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/publish"
	"github.com/MarcoPoloResearchLab/glsync/internal/status"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type idleEngine struct{}

func (idleEngine) Next(ctx context.Context, org ledger.Org, payload syncengine.Payload) (bool, syncengine.Payload, error) {
	return true, payload, nil
}

type nullSessions struct{}

func (nullSessions) Session(org ledger.Org) (apisession.Session, error) {
	return nil, nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	submitted []string
}

func (l *fakeLauncher) Submit(ctx context.Context, template, jobName string, params map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitted = append(l.submitted, template)
	return "job-" + template, nil
}

func (l *fakeLauncher) Status(ctx context.Context, jobID string) (publish.JobStatus, error) {
	return publish.JobStatus{State: "RUNNING"}, nil
}

type testServer struct {
	handler     http.Handler
	store       *ledger.Store
	queue       *tasks.Queue
	lifecycle   *changesets.Manager
	events      *events.Dispatcher
	launcher    *fakeLauncher
	adminToken  string
	viewerToken string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := func() time.Time { return testNow }
	store, err := ledger.NewStore(ledger.StoreConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	queue, err := tasks.NewQueue(tasks.QueueConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	dispatcher := events.NewDispatcher()
	notifier, err := events.NewNotifier(events.NotifierConfig{Publisher: dispatcher, Clock: clock})
	require.NoError(t, err)
	lifecycle, err := changesets.NewManager(changesets.ManagerConfig{Store: store, Queue: queue, Notifier: notifier, Clock: clock})
	require.NoError(t, err)
	controller, err := adapter.NewController(adapter.ControllerConfig{
		Store:     store,
		Lifecycle: lifecycle,
		Engine:    idleEngine{},
		Sessions:  nullSessions{},
	})
	require.NoError(t, err)
	launcher := &fakeLauncher{}
	orchestrator, err := publish.NewOrchestrator(publish.OrchestratorConfig{
		Store:    store,
		Queue:    queue,
		Launcher: launcher,
		Notifier: notifier,
		Clock:    clock,
	})
	require.NoError(t, err)
	projector, err := status.NewProjector(status.ProjectorConfig{Store: store})
	require.NoError(t, err)

	secret := []byte("test-signing-secret")
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, Issuer: "glsync", Audience: "glsync-ops"})
	require.NoError(t, err)
	validator, err := auth.NewValidator(auth.ValidatorConfig{SigningSecret: secret, Issuer: "glsync", Audience: "glsync-ops"})
	require.NoError(t, err)
	adminToken, _, err := issuer.IssueOperatorToken(context.Background(), "admin-1", []string{auth.RoleAdmin})
	require.NoError(t, err)
	viewerToken, _, err := issuer.IssueOperatorToken(context.Background(), "viewer-1", []string{auth.RoleViewer})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: validator,
		Projector:      projector,
		Lifecycle:      lifecycle,
		Controller:     controller,
		Orchestrator:   orchestrator,
		Store:          store,
		Events:         dispatcher,
	})
	require.NoError(t, err)

	return &testServer{
		handler:     handler,
		store:       store,
		queue:       queue,
		lifecycle:   lifecycle,
		events:      dispatcher,
		launcher:    launcher,
		adminToken:  adminToken,
		viewerToken: viewerToken,
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) linkOrg(t *testing.T, orgID, provider string) {
	t.Helper()
	body := map[string]any{"org_id": orgID, "provider": provider}
	if provider == string(ledger.ProviderQBO) {
		body["token"] = map[string]string{"access_token": "access", "refresh_token": "refresh"}
	}
	recorder := s.do(t, http.MethodPost, "/admin/orgs", s.adminToken, body)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}
