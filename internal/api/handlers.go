package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sigema/trackd/internal/trip"
)

// positionRequest is the client-supplied coordinate payload. The timestamp
// is optional and accepts every format the ingestion boundary normalizes;
// an unparseable value is rejected here, not threaded into the aggregator.
// Emails is only honored on start-work: the addresses that get the alert
// when the trip's final report cannot be delivered.
type positionRequest struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp string   `json:"timestamp"`
	Emails    []string `json:"emails"`
}

func (r positionRequest) toPosition() (trip.Position, error) {
	pos := trip.Position{
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	}
	if r.Timestamp != "" {
		ts, err := trip.ParseTimestamp(r.Timestamp)
		if err != nil {
			return trip.Position{}, err
		}
		pos.Timestamp = ts
	}
	return pos, nil
}

func (s *Server) handleStartWork(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position payload: " + err.Error()})
		return
	}

	pos, err := req.toPosition()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.controller.StartWork(c.Request.Context(), equipmentID, pos, req.Emails, tokenFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) handleFinalizeWork(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position payload: " + err.Error()})
		return
	}

	pos, err := req.toPosition()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.controller.FinalizeWork(c.Request.Context(), equipmentID, pos, tokenFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) handleAbortWork(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	if err := s.controller.AbortWork(equipmentID); err != nil {
		s.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleIsInUse(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"equipmentId": equipmentID,
		"inUse":       s.controller.IsInUse(c.Request.Context(), equipmentID),
	})
}

func (s *Server) handleSetInUse(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	var req struct {
		InUse bool `json:"inUse"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	s.controller.SetInUse(equipmentID, req.InUse)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQuerySamples(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	day, ok := s.queryDate(c)
	if !ok {
		return
	}

	samples, err := s.controller.QuerySamples(c.Request.Context(), equipmentID, day)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"equipmentId": equipmentID,
		"date":        day.Format("2006-01-02"),
		"samples":     samples,
		"count":       len(samples),
	})
}

func (s *Server) handleQueryReport(c *gin.Context) {
	equipmentID, ok := s.equipmentID(c)
	if !ok {
		return
	}

	day, ok := s.queryDate(c)
	if !ok {
		return
	}

	summary, err := s.controller.QueryTripReport(c.Request.Context(), equipmentID, day)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) equipmentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("equipmentID"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "equipment id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) queryDate(c *gin.Context) (time.Time, bool) {
	raw := c.Query("date")
	if raw == "" {
		return time.Now().UTC(), true
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return day, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	var statusErr *trip.UpstreamStatusError
	switch {
	case errors.Is(err, trip.ErrValidation), errors.Is(err, trip.ErrParse):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &statusErr):
		status := http.StatusBadGateway
		if statusErr.StatusCode == http.StatusUnauthorized {
			status = http.StatusUnauthorized
		} else if statusErr.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
	case errors.Is(err, trip.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("Internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
