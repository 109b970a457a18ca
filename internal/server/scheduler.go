package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/finsight/internal/scheduler"
)

type tickResponse struct {
	RunID      string `json:"run_id"`
	AsOf       string `json:"as_of"`
	State      string `json:"state"`
	Candidates *int   `json:"candidates,omitempty"`
	Skipped    *int   `json:"skipped,omitempty"`
	Delivered  *int   `json:"delivered,omitempty"`
	Abandoned  *int   `json:"abandoned,omitempty"`
	Discarded  *int   `json:"discarded,omitempty"`
	Failed     *int   `json:"failed,omitempty"`
}

// TriggerSchedulerTick is the external cron signal. With wait=true the
// response carries the tick summary; otherwise it returns once the scan is
// done and user jobs continue in the background.
func (s *Server) TriggerSchedulerTick(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	wait, err := parseOptionalBool(c.Query("wait"))
	if err != nil {
		AbortWithError(c, newValidationError("wait", "invalid_wait", "invalid wait"))
		return
	}

	run, err := s.scheduler.Trigger(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := tickResponse{
		RunID: run.RunID,
		AsOf:  run.AsOf.Format(timeLayout),
		State: string(scheduler.StateDispatching),
	}
	if wait == nil || !*wait {
		c.JSON(http.StatusAccepted, gin.H{"data": resp})
		return
	}

	select {
	case <-run.Done():
	case <-c.Request.Context().Done():
		c.JSON(http.StatusAccepted, gin.H{"data": resp})
		return
	}
	summary := run.Wait()
	resp.State = string(scheduler.StateIdle)
	resp.Candidates = &summary.Candidates
	resp.Skipped = &summary.Skipped
	resp.Delivered = &summary.Delivered
	resp.Abandoned = &summary.Abandoned
	resp.Discarded = &summary.Discarded
	resp.Failed = &summary.Failed
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSchedulerStatus(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"enabled": false}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"enabled": s.cfg.SchedulerEnabled(),
		"state":   s.scheduler.State(),
	}})
}
