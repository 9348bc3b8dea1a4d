package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/stages"
)

// handleProcess drives one claim-execute-chain cycle. External schedulers
// (cron, serverless triggers) can poll this instead of running a worker.
func (s *Server) handleProcess(c *gin.Context) {
	res, err := s.orch.Process(c.Request.Context())
	if err != nil {
		s.logger.Error("process cycle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleExecuteStage runs a single stage in this process. This is the
// receiving end of the HTTP invoker; stage failures are reported in the
// result body with a 200, transport problems with an error status.
func (s *Server) handleExecuteStage(c *gin.Context) {
	stage := constants.Stage(c.Param("stage"))
	if !constants.IsValidStage(stage) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stage"})
		return
	}
	var in stages.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in.Stage = stage

	exec, err := s.registry.Get(stage)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	res, execErr := exec.Execute(c.Request.Context(), in)
	if execErr != nil {
		s.logger.Warn("stage execution failed",
			zap.String("stage", string(stage)),
			zap.String("document_id", in.DocumentID.String()),
			zap.Error(execErr),
		)
		if res.Error == "" {
			res.Error = execErr.Error()
		}
	}
	c.JSON(http.StatusOK, res)
}
