package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
)

type enqueueDocumentRequest struct {
	ProjectID      string `json:"projectId" binding:"required,uuid"`
	StoragePath    string `json:"storagePath" binding:"required"`
	DocumentID     string `json:"documentId" binding:"omitempty,uuid"`
	Priority       int    `json:"priority" binding:"omitempty,min=0,max=100"`
	ForceReprocess bool   `json:"forceReprocess"`
}

func (s *Server) handleEnqueueDocument(c *gin.Context) {
	var req enqueueDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}

	projectID, _ := uuid.Parse(req.ProjectID)
	var docID uuid.UUID
	if req.DocumentID != "" {
		docID, _ = uuid.Parse(req.DocumentID)
	}

	res, err := s.orch.Enqueue(c.Request.Context(), orchestrator.EnqueueRequest{
		Credential:     bearerCredential(c),
		DocumentID:     docID,
		ProjectID:      projectID,
		StoragePath:    req.StoragePath,
		Priority:       req.Priority,
		ForceReprocess: req.ForceReprocess,
	})
	if err != nil {
		s.logger.Warn("enqueue rejected", zap.String("code", common.ErrorCode(err)), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleGetDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}
	doc, err := s.docs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          doc.ID,
		"projectId":   doc.ProjectID,
		"status":      doc.Status,
		"contentType": doc.ContentType,
		"language":    doc.Language,
		"summary":     doc.Summary,
		"steps":       doc.Steps,
		"createdAt":   doc.CreatedAt,
		"updatedAt":   doc.UpdatedAt,
	})
}

func (s *Server) handleCancelDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}
	ok, err := s.orch.Cancel(c.Request.Context(), bearerCredential(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.orch.JobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	ok, err := s.orch.CancelJob(c.Request.Context(), bearerCredential(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		// Already processing or terminal; not cancellable.
		c.JSON(http.StatusConflict, gin.H{"cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleRetryJob(c *gin.Context) {
	ok, err := s.orch.RetryJob(c.Request.Context(), bearerCredential(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		// Retry applies only to terminally failed jobs.
		c.JSON(http.StatusConflict, gin.H{"retried": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.orch.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queueName":  stats.QueueName,
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
		"retrying":   stats.Retrying,
		"total":      stats.Total(),
	})
}

func (s *Server) handleExportJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	data, err := s.export.ExportJobsXLSX(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	filename := "jobs-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}
