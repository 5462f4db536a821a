package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/changesets"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultChangesetListLimit = 20

type linkRequestPayload struct {
	OrgID           string          `json:"org_id"`
	Provider        string          `json:"provider"`
	EntityID        string          `json:"entity_id"`
	Token           json.RawMessage `json:"token"`
	AccessKeyID     string          `json:"access_key_id"`
	SecretAccessKey string          `json:"secret_access_key"`
}

type orgPayload struct {
	OrgID     string `json:"org_id"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	Changeset int64  `json:"changeset"`
	Active    bool   `json:"update_cycle_active"`
}

func newOrgPayload(org ledger.Org) orgPayload {
	return orgPayload{
		OrgID:     org.ID,
		Provider:  string(org.Provider),
		Status:    org.Status.String(),
		Changeset: org.Changeset,
		Active:    org.UpdateCycleActive,
	}
}

type changesetPayload struct {
	ID                 uint64     `json:"id"`
	Changeset          int64      `json:"changeset"`
	IngestionStartedAt *time.Time `json:"ingestion_started_at"`
	IngestionDoneAt    *time.Time `json:"ingestion_completed_at"`
	PublishJobID       string     `json:"publish_job_id,omitempty"`
	PublishJobStatus   string     `json:"publish_job_status,omitempty"`
	PublishJobRunning  bool       `json:"publish_job_running"`
	PublishJobFinished bool       `json:"publish_job_finished"`
	PublishJobFailed   bool       `json:"publish_job_failed"`
	ChangesetFailed    bool       `json:"publish_changeset_failed"`
	PublishJobCount    int        `json:"publish_job_count"`
	PublishFinishedAt  *time.Time `json:"publish_finished_at"`
}

func newChangesetPayload(record ledger.ChangesetRecord) changesetPayload {
	return changesetPayload{
		ID:                 record.ID,
		Changeset:          record.Changeset,
		IngestionStartedAt: record.IngestionStartedAt,
		IngestionDoneAt:    record.IngestionCompletedAt,
		PublishJobID:       record.PublishJobID,
		PublishJobStatus:   record.PublishJobStatus,
		PublishJobRunning:  record.PublishJobRunning,
		PublishJobFinished: record.PublishJobFinished,
		PublishJobFailed:   record.PublishJobFailed,
		ChangesetFailed:    record.PublishChangesetFailed,
		PublishJobCount:    record.PublishJobCount,
		PublishFinishedAt:  record.PublishFinishedAt,
	}
}

func (h *httpHandler) handleLinkOrg(c *gin.Context) {
	var request linkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Provider) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var token []byte
	if len(request.Token) > 0 && string(request.Token) != "null" {
		normalized, err := apisession.NormalizeToken(request.Token)
		if err != nil {
			h.logger.Info("link rejected", zap.String("org_id", request.OrgID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token"})
			return
		}
		token = normalized
	}
	org, err := h.lifecycle.LinkOrg(c.Request.Context(), changesets.LinkRequest{
		OrgID:           request.OrgID,
		Provider:        ledger.Provider(strings.ToLower(strings.TrimSpace(request.Provider))),
		EntityID:        request.EntityID,
		Token:           token,
		AccessKeyID:     request.AccessKeyID,
		SecretAccessKey: request.SecretAccessKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("org linked by operator", zap.String("org_id", org.ID), zap.String("operator", operatorSubject(c)))
	c.JSON(http.StatusCreated, newOrgPayload(org))
}

func (h *httpHandler) handleOrgSummary(c *gin.Context) {
	summary, err := h.controller.OrgSummary(c.Request.Context(), c.Param("org"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleListChangesets(c *gin.Context) {
	orgID := c.Param("org")
	limit := defaultChangesetListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	if _, err := h.store.GetOrg(c.Request.Context(), orgID); err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.store.ListChangesets(c.Request.Context(), orgID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]changesetPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newChangesetPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"org_id": orgID, "changesets": payload})
}

func (h *httpHandler) handleInitUpdate(c *gin.Context) {
	outcome, err := h.lifecycle.StartOrResume(c.Request.Context(), c.Param("org"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"org_id": c.Param("org"), "outcome": outcome.String()})
}

func (h *httpHandler) handleInitAllUpdates(c *gin.Context) {
	count, err := h.lifecycle.InitAllUpdates(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"enqueued": count})
}

type resetEndpointsPayload struct {
	Endpoints []string `json:"endpoints"`
}

func (h *httpHandler) handleResetEndpoints(c *gin.Context) {
	var request resetEndpointsPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if err := h.lifecycle.ResetEndpoints(c.Request.Context(), c.Param("org"), request.Endpoints); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"org_id": c.Param("org"), "endpoints": request.Endpoints})
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	org, err := h.lifecycle.Disconnect(c.Request.Context(), c.Param("org"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("org disconnected by operator", zap.String("org_id", org.ID), zap.String("operator", operatorSubject(c)))
	c.JSON(http.StatusOK, newOrgPayload(org))
}

type missingItemsPayload struct {
	Origin    string                  `json:"origin"`
	Changeset *int64                  `json:"changeset"`
	Items     []ledger.MissingItemRef `json:"items"`
}

func (h *httpHandler) handleMissingItems(c *gin.Context) {
	var request missingItemsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, ref := range request.Items {
		if strings.TrimSpace(ref.Type) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	org, err := h.store.GetOrg(c.Request.Context(), c.Param("org"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	changeset := org.Changeset
	if request.Changeset != nil {
		changeset = *request.Changeset
	}
	bundle := ledger.MissingItemBundle{
		OrgID:     org.ID,
		Changeset: changeset,
		Origin:    request.Origin,
		Items:     request.Items,
	}
	if err := h.store.AddMissingBundle(c.Request.Context(), &bundle); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bundle_id": bundle.ID, "items": len(bundle.Items)})
}

func (h *httpHandler) handlePublishFailed(c *gin.Context) {
	changeset, err := strconv.ParseInt(c.Param("changeset"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_changeset"})
		return
	}
	record, err := h.orchestrator.MarkChangesetFailed(c.Request.Context(), c.Param("org"), changeset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newChangesetPayload(record))
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	perOrg := c.Query("per_org") == "1" || strings.EqualFold(c.Query("per_org"), "true")
	count, err := h.orchestrator.Sweep(c.Request.Context(), perOrg)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"enqueued": count, "per_org": perOrg})
}

func (h *httpHandler) handleUpdateChangesets(c *gin.Context) {
	finished, err := h.orchestrator.PollJobs(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"finished": finished})
}

func (h *httpHandler) handleCleanup(c *gin.Context) {
	jobID, err := h.orchestrator.Cleanup(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

type replayPayload struct {
	OrgIDs    []string `json:"org_ids"`
	ItemTypes []string `json:"item_types"`
}

func (h *httpHandler) handleReplay(c *gin.Context) {
	var request replayPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	jobID, err := h.orchestrator.Replay(c.Request.Context(), request.OrgIDs, request.ItemTypes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}
