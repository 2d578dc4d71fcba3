package alerts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the alert workflow over HTTP.
type Handlers struct {
	service *Service
	pool    ReviewerPool
}

// NewHandlers creates HTTP handlers backed by the given service.
func NewHandlers(service *Service, pool ReviewerPool) *Handlers {
	return &Handlers{service: service, pool: pool}
}

// RegisterRoutes mounts the alert endpoints on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.list)
	r.GET("/alerts/:id", h.get)
	r.POST("/alerts/assign", h.assign)
	r.POST("/alerts/:id/review", h.startReview)
	r.POST("/alerts/:id/resolve", h.resolve)
	r.POST("/alerts/:id/escalate", h.escalate)
	r.GET("/reviewers", h.reviewers)
}

func (h *Handlers) list(c *gin.Context) {
	f := ListFilter{
		SubjectID:  c.Query("subject_id"),
		Status:     Status(c.Query("status")),
		Severity:   Severity(c.Query("severity")),
		ReviewerID: c.Query("reviewer_id"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	out, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out, "count": len(out)})
}

func (h *Handlers) get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAlertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handlers) assign(c *gin.Context) {
	n, err := h.service.AssignOpen(c.Request.Context())
	if errors.Is(err, ErrNoReviewers) {
		c.JSON(http.StatusConflict, gin.H{"error": "no active reviewers available", "assigned": 0})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assignment failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": n})
}

type reviewRequest struct {
	ReviewerID string `json:"reviewerId" binding:"required"`
}

func (h *Handlers) startReview(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.service.StartReview(c.Request.Context(), c.Param("id"), req.ReviewerID)
	if err != nil {
		respondAlertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type resolveRequest struct {
	ReviewerID    string `json:"reviewerId" binding:"required"`
	Notes         string `json:"notes"`
	FalsePositive bool   `json:"falsePositive"`
}

func (h *Handlers) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.ReviewerID, req.Notes, req.FalsePositive)
	if err != nil {
		respondAlertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type escalateRequest struct {
	ReviewerID string `json:"reviewerId" binding:"required"`
	Notes      string `json:"notes"`
}

func (h *Handlers) escalate(c *gin.Context) {
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.service.Escalate(c.Request.Context(), c.Param("id"), req.ReviewerID, req.Notes)
	if err != nil {
		respondAlertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handlers) reviewers(c *gin.Context) {
	out, err := h.pool.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reviewers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviewers": out, "count": len(out)})
}

func respondAlertError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
