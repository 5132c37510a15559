package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/cloudspool/internal/core"
	"github.com/orrn/cloudspool/internal/store"
)

type JobResponse struct {
	ID           string    `json:"id"`
	PrinterID    string    `json:"printer_id"`
	PrinterName  string    `json:"printer_name"`
	Title        string    `json:"title"`
	ContentType  string    `json:"content_type,omitempty"`
	Owner        string    `json:"owner"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type QueueResponse struct {
	Queued   []JobResponse `json:"queued"`
	Deferred []JobResponse `json:"deferred"`
}

type JournalEntryResponse struct {
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type JobHandler struct {
	proxy      *core.Proxy
	dispatcher *core.Dispatcher
	store      *store.Store
}

func NewJobHandler(proxy *core.Proxy, dispatcher *core.Dispatcher, st *store.Store) *JobHandler {
	return &JobHandler{
		proxy:      proxy,
		dispatcher: dispatcher,
		store:      st,
	}
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs := h.proxy.Jobs()

	status := c.Query("status")
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp := jobResponse(j)
		if status != "" && resp.Status != status {
			continue
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "total": len(out)})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.proxy.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

// GetJobJournal returns the persisted status history for one job.
func (h *JobHandler) GetJobJournal(c *gin.Context) {
	entries, err := h.store.Journal(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job journal"})
		return
	}

	out := make([]JournalEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, JournalEntryResponse{
			Status:    e.Status,
			ErrorCode: e.ErrorCode,
			Message:   e.ErrorMessage,
			Timestamp: e.RecordedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// GetQueue reports the authenticated user's queued and deferred jobs.
func (h *JobHandler) GetQueue(c *gin.Context) {
	username := c.GetString("username")

	resp := QueueResponse{
		Queued:   jobResponses(h.dispatcher.Queued(username)),
		Deferred: jobResponses(h.dispatcher.Deferred(username)),
	}
	c.JSON(http.StatusOK, resp)
}

// ReconcileJobs forces an immediate job fetch pass across all printers.
func (h *JobHandler) ReconcileJobs(c *gin.Context) {
	if err := h.proxy.ReconcileJobs(c.Request.Context(), ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func jobResponse(j *core.PrintJob) JobResponse {
	code, msg := j.Error()
	return JobResponse{
		ID:           j.ID,
		PrinterID:    j.PrinterID,
		PrinterName:  j.PrinterName,
		Title:        j.Title,
		ContentType:  j.ContentType,
		Owner:        j.Owner,
		Status:       string(j.Status()),
		ErrorCode:    code,
		ErrorMessage: msg,
		Attempts:     j.Attempts(),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func jobResponses(jobs []*core.PrintJob) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	return out
}
