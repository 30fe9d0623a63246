// Package httpapi exposes the Status & Artifact Surface (spec §4.8): a
// thin, read-only gin handler backed directly by the Persistence Adapter,
// with no caching layer of its own.
package httpapi

import (
	"encoding/json"
	"strconv"

	"fuzoj/internal/common/http/middleware"
	"fuzoj/internal/judge/model"
	"fuzoj/internal/judge/persistence"
	judgeerr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// StatusHandler serves GET /submissions/:id/status.
type StatusHandler struct {
	Repository *persistence.SubmissionRepository
}

// submissionStatusView is the wire shape for a status query; Result is
// left as raw JSON since the repository stores it pre-marshaled.
type submissionStatusView struct {
	ID       int64           `json:"id"`
	Status   string          `json:"status"`
	Score    int64           `json:"score"`
	TimeMs   int64           `json:"time_ms"`
	MemoryKB int64           `json:"memory_kb"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// RegisterRoutes wires the status endpoint onto an existing gin engine.
func RegisterRoutes(r gin.IRouter, h *StatusHandler) {
	r.GET("/submissions/:id/status", h.GetStatus)
}

// NewRouter builds a standalone gin engine for the status surface, with
// the same trace-context middleware the rest of the judge service uses.
func NewRouter(h *StatusHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.TraceContextMiddleware())
	RegisterRoutes(r, h)
	return r
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	idParam := c.Param("id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "id must be a positive integer")
		return
	}

	row, found, err := h.Repository.FetchSubmission(c.Request.Context(), id)
	if err != nil {
		response.InternalServerError(c, err)
		return
	}
	if !found {
		response.Error(c, judgeerr.NotFoundError("submission not found"))
		return
	}

	view := submissionStatusView{
		ID:       row.ID,
		Status:   row.Status,
		Score:    row.Score,
		TimeMs:   row.TimeMs,
		MemoryKB: row.MemoryKB,
	}
	if row.Status != model.StatusPending && row.Status != model.StatusJudging {
		view.Result = row.Result
	}
	response.Success(c, view)
}
