package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/finsight/internal/period"
)

// GetAnalytics computes a snapshot on demand. Without from, the trailing
// period ending at to (or now) is used; without to, the window spans one
// period from from.
func (s *Server) GetAnalytics(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		From      string `form:"from"`
		To        string `form:"to"`
		Frequency string `form:"frequency"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	freq := period.DefaultFrequency
	if query.Frequency != "" {
		freq, err = period.ParseFrequency(query.Frequency)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	from, err := parseOptionalTime(query.From)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	window, err := resolveWindow(from, to, freq, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.aggregator.Compute(c.Request.Context(), userID, window, freq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      snapshot,
		"formatted": snapshot.Formatted(),
	})
}
