package pipeline

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thanujathanu123/finsight/internal/ingest"
	"github.com/thanujathanu123/finsight/internal/profile"
	"github.com/thanujathanu123/finsight/internal/scoring"
)

// maxLedgerBytes caps uploaded ledger size.
const maxLedgerBytes = 32 << 20 // 32 MiB

// Handlers exposes ledger submission, job status, and subject state over HTTP.
type Handlers struct {
	queue        *Queue
	pipeline     *Pipeline
	transactions ingest.Store
	profiles     profile.Store
	scores       scoring.Store
}

// NewHandlers creates HTTP handlers for the pipeline.
func NewHandlers(queue *Queue, p *Pipeline, transactions ingest.Store, profiles profile.Store, scores scoring.Store) *Handlers {
	return &Handlers{
		queue:        queue,
		pipeline:     p,
		transactions: transactions,
		profiles:     profiles,
		scores:       scores,
	}
}

// RegisterRoutes mounts the pipeline endpoints on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ledgers/:subject/analyze", h.analyze)
	r.GET("/jobs/:id", h.job)
	r.GET("/subjects/:subject/scores", h.scoresBySubject)
	r.GET("/subjects/:subject/profile", h.profileBySubject)
	r.GET("/subjects/:subject/summary", h.summary)
	r.POST("/subjects/:subject/retrain", h.retrain)
}

// analyze accepts a ledger file (raw body or multipart "ledger" field) and
// queues it for asynchronous processing.
func (h *Handlers) analyze(c *gin.Context) {
	subjectID := c.Param("subject")
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject is required"})
		return
	}

	ledger, err := h.readLedgerBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(ledger) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty ledger"})
		return
	}

	job, err := h.queue.Enqueue(subjectID, ledger)
	if errors.Is(err, ErrQueueFull) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue full, retry later"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *Handlers) readLedgerBody(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("ledger"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return io.ReadAll(io.LimitReader(f, maxLedgerBytes))
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, maxLedgerBytes))
}

func (h *Handlers) job(c *gin.Context) {
	job, err := h.queue.Get(c.Param("id"))
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handlers) scoresBySubject(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	out, err := h.scores.ListBySubject(c.Request.Context(), c.Param("subject"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list scores"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": out, "count": len(out)})
}

// profileView is the external projection of a risk profile; the serialized
// model stays internal.
type profileView struct {
	SubjectID          string  `json:"subjectId"`
	Version            int     `json:"version"`
	Trained            bool    `json:"trained"`
	TrainedSamples     int     `json:"trainedSamples"`
	NewSinceTrain      int     `json:"newSinceTrain"`
	StoredTransactions int     `json:"storedTransactions"`
	MeanAbsAmount      float64 `json:"meanAbsAmount"`
	Contamination      float64 `json:"contamination"`
	WeightAnomaly      float64 `json:"weightAnomaly"`
	TrainedAt          string  `json:"trainedAt,omitempty"`
}

func (h *Handlers) profileBySubject(c *gin.Context) {
	p, err := h.profiles.Get(c.Request.Context(), c.Param("subject"))
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject has no profile"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}

	stored, err := h.transactions.CountBySubject(c.Request.Context(), p.SubjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count transactions"})
		return
	}

	view := profileView{
		SubjectID:          p.SubjectID,
		Version:            p.Version,
		Trained:            p.Trained(),
		TrainedSamples:     p.TrainedSamples,
		NewSinceTrain:      p.NewSinceTrain,
		StoredTransactions: stored,
		MeanAbsAmount:      p.MeanAbsAmount,
		Contamination:      p.Contamination,
		WeightAnomaly:      p.WeightAnomaly,
	}
	if !p.TrainedAt.IsZero() {
		view.TrainedAt = p.TrainedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	c.JSON(http.StatusOK, view)
}

// summary reports aggregate ledger statistics for a subject.
func (h *Handlers) summary(c *gin.Context) {
	subjectID := c.Param("subject")

	records, err := h.transactions.ListBySubject(c.Request.Context(), subjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject has no transactions"})
		return
	}

	var total, credits, debits float64
	categories := make(map[string]int)
	for _, r := range records {
		total += r.Amount
		if r.Amount >= 0 {
			credits += r.Amount
		} else {
			debits += -r.Amount
		}
		categories[r.Category]++
	}

	c.JSON(http.StatusOK, gin.H{
		"subjectId":    subjectID,
		"transactions": len(records),
		"net":          total,
		"credits":      credits,
		"debits":       debits,
		"categories":   categories,
		"from":         records[0].Timestamp,
		"to":           records[len(records)-1].Timestamp,
	})
}

func (h *Handlers) retrain(c *gin.Context) {
	p, err := h.pipeline.RetrainSubject(c.Request.Context(), c.Param("subject"), "manual")
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject has no profile"})
		return
	}
	var te *ModelTrainingError
	if errors.As(err, &te) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not enough history to train",
			"samples": te.Samples,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retrain failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjectId": p.SubjectID, "version": p.Version, "trainedSamples": p.TrainedSamples})
}
