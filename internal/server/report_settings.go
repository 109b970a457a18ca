package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
)

type ensureReportSettingRequest struct {
	CreatedAt string `json:"created_at"`
}

// EnsureReportSetting is called when a user signs up. It stores the enabled
// monthly default anchored at the signup time and is safe to repeat.
func (s *Server) EnsureReportSetting(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req ensureReportSettingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	createdAt, err := parseOptionalTime(req.CreatedAt)
	if err != nil {
		AbortWithError(c, newValidationError("created_at", "invalid_created_at", "invalid created_at"))
		return
	}
	anchor := s.clock.Now()
	if createdAt != nil {
		anchor = *createdAt
	}

	resp, err := s.settings.EnsureDefault(c.Request.Context(), userID, anchor)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetReportSetting(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.settings.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// Only is_enabled and frequency are user-owned. The cursor moves through
// dispatch alone.
type updateReportSettingRequest struct {
	IsEnabled *bool   `json:"is_enabled"`
	Frequency *string `json:"frequency"`
}

func (s *Server) UpdateReportSetting(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateReportSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.IsEnabled == nil && req.Frequency == nil {
		AbortWithError(c, newValidationError("request", "empty_update", "is_enabled or frequency is required"))
		return
	}

	update := reportsettingdomain.UpdateSettingsRequest{IsEnabled: req.IsEnabled}
	if req.Frequency != nil {
		freq, err := period.ParseFrequency(strings.TrimSpace(*req.Frequency))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		update.Frequency = &freq
	}

	resp, err := s.settings.UpdateSettings(c.Request.Context(), userID, update)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
