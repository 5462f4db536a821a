package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/glsync/internal/status"
	"github.com/gin-gonic/gin"
)

const jsonAPIContentType = "application/vnd.api+json"

func (h *httpHandler) handleDataSourceStatus(c *gin.Context) {
	orgID := c.Param("org")
	result, err := h.projector.DataSource(c.Request.Context(), orgID)
	if errors.Is(err, status.ErrDataSourceNotFound) {
		h.writeDocument(c, http.StatusNotFound, status.DataSourceNotFoundDocument(orgID))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeDocument(c, http.StatusOK, status.DataSourceDocument(result))
}

func (h *httpHandler) handleChangesetStatus(c *gin.Context) {
	orgID := c.Param("org")
	changeset, err := strconv.ParseInt(c.Param("changeset"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_changeset"})
		return
	}
	result, err := h.projector.Changeset(c.Request.Context(), orgID, changeset)
	switch {
	case errors.Is(err, status.ErrDataSourceNotFound):
		h.writeDocument(c, http.StatusNotFound, status.DataSourceNotFoundDocument(orgID))
	case errors.Is(err, status.ErrChangesetNotFound):
		h.writeDocument(c, http.StatusNotFound, status.ChangesetNotFoundDocument(orgID, changeset))
	case err != nil:
		h.writeError(c, err)
	default:
		h.writeDocument(c, http.StatusOK, status.ChangesetDocument(result))
	}
}

func (h *httpHandler) writeDocument(c *gin.Context, statusCode int, document status.Document) {
	c.Header("Content-Type", jsonAPIContentType)
	c.JSON(statusCode, document)
}
