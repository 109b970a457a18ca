package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	"github.com/smallbiznis/finsight/internal/dispatch/journal"
)

func (s *Server) ListReportDispatches(c *gin.Context) {
	if s.journal == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var query struct {
		UserID string `form:"user_id"`
		State  string `form:"state"`
		Limit  string `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := journal.ListFilter{}
	userID, err := parseOptionalSnowflakeID(query.UserID)
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
		return
	}
	if userID != nil {
		filter.UserID = *userID
	}
	if state := strings.ToUpper(strings.TrimSpace(query.State)); state != "" {
		if !validState(dispatchdomain.State(state)) {
			AbortWithError(c, newValidationError("state", "invalid_state", "invalid state"))
			return
		}
		filter.State = dispatchdomain.State(state)
	}
	limit, err := parseOptionalInt(query.Limit)
	if err != nil || (limit != nil && *limit <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	if limit != nil {
		filter.Limit = *limit
	}

	records, err := s.journal.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func validState(state dispatchdomain.State) bool {
	switch state {
	case dispatchdomain.StatePending,
		dispatchdomain.StateRetrying,
		dispatchdomain.StateDelivered,
		dispatchdomain.StateAbandoned,
		dispatchdomain.StateDiscarded:
		return true
	default:
		return false
	}
}
