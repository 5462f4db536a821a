// Package server exposes the status API, the status event stream and the ops controls over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/adapter"
	"github.com/MarcoPoloResearchLab/glsync/internal/auth"
	"github.com/MarcoPoloResearchLab/glsync/internal/changesets"
	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/publish"
	"github.com/MarcoPoloResearchLab/glsync/internal/status"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	operatorContextKey = "glsync_operator"
	accessTokenQuery   = "access_token"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingProjector      = errors.New("status projector dependency required")
	errMissingLifecycle      = errors.New("lifecycle manager dependency required")
	errMissingController     = errors.New("sync controller dependency required")
	errMissingOrchestrator   = errors.New("publish orchestrator dependency required")
	errMissingStore          = errors.New("store dependency required")
	errMissingEvents         = errors.New("event dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.OperatorClaims, error)
}

type Dependencies struct {
	TokenValidator    TokenValidator
	Projector         *status.Projector
	Lifecycle         *changesets.Manager
	Controller        *adapter.Controller
	Orchestrator      *publish.Orchestrator
	Store             *ledger.Store
	Events            *events.Dispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.TokenValidator == nil:
		return nil, errMissingTokenValidator
	case deps.Projector == nil:
		return nil, errMissingProjector
	case deps.Lifecycle == nil:
		return nil, errMissingLifecycle
	case deps.Controller == nil:
		return nil, errMissingController
	case deps.Orchestrator == nil:
		return nil, errMissingOrchestrator
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Events == nil:
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		projector:    deps.Projector,
		lifecycle:    deps.Lifecycle,
		controller:   deps.Controller,
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		events:       deps.Events,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(handler.authorizeRequest(auth.RoleViewer))
	api.GET("/data_sources/:org/status", handler.handleDataSourceStatus)
	api.GET("/data_sources/:org/changesets/:changeset/status", handler.handleChangesetStatus)
	api.GET("/data_sources/:org/events", handler.handleStatusStream)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest(auth.RoleAdmin))
	admin.POST("/orgs", handler.handleLinkOrg)
	admin.GET("/orgs/:org", handler.handleOrgSummary)
	admin.GET("/orgs/:org/changesets", handler.handleListChangesets)
	admin.POST("/orgs/:org/init_update", handler.handleInitUpdate)
	admin.POST("/orgs/:org/reset_endpoints", handler.handleResetEndpoints)
	admin.POST("/orgs/:org/disconnect", handler.handleDisconnect)
	admin.POST("/orgs/:org/missing_items", handler.handleMissingItems)
	admin.POST("/orgs/:org/changesets/:changeset/publish_failed", handler.handlePublishFailed)
	admin.POST("/init_all_updates", handler.handleInitAllUpdates)
	admin.POST("/publish", handler.handlePublish)
	admin.POST("/update_changesets", handler.handleUpdateChangesets)
	admin.POST("/clean_old_changeset_items", handler.handleCleanup)
	admin.POST("/replay", handler.handleReplay)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens       TokenValidator
	projector    *status.Projector
	lifecycle    *changesets.Manager
	controller   *adapter.Controller
	orchestrator *publish.Orchestrator
	store        *ledger.Store
	events       *events.Dispatcher
	heartbeat    time.Duration
	logger       *zap.Logger
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for event streams.
func (h *httpHandler) authorizeRequest(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		header := c.GetHeader("Authorization")
		switch {
		case strings.HasPrefix(header, "Bearer "):
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		case header == "":
			token = strings.TrimSpace(c.Query(accessTokenQuery))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		claims, err := h.tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !claims.HasRole(role) {
			h.logger.Warn("operator lacks role", zap.String("subject", claims.Subject), zap.String("role", role))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(operatorContextKey, claims.Subject)
		c.Next()
	}
}

type coder interface {
	Code() string
}

// writeError maps a failure to a status code and a JSON error code.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	statusCode, code := classifyError(err)
	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("org_id", c.Param("org")),
		zap.String("code", code),
		zap.Error(err),
	}
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}
	c.JSON(statusCode, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrOrgNotFound):
		return http.StatusNotFound, "org_not_found"
	case errors.Is(err, ledger.ErrChangesetNotFound):
		return http.StatusNotFound, "changeset_not_found"
	case errors.Is(err, ledger.ErrInvalidOrgID),
		errors.Is(err, changesets.ErrInvalidLink),
		errors.Is(err, publish.ErrUnknownItemType),
		errors.Is(err, publish.ErrNoItemTypes):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, changesets.ErrOrgSyncing):
		return http.StatusConflict, "org_syncing"
	case errors.Is(err, changesets.ErrCycleNotStarted):
		return http.StatusConflict, "cycle_not_started"
	}
	var coded coder
	if errors.As(err, &coded) {
		return http.StatusInternalServerError, coded.Code()
	}
	return http.StatusInternalServerError, "internal_error"
}

func operatorSubject(c *gin.Context) string {
	return c.GetString(operatorContextKey)
}
