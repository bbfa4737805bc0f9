package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tm-go/internal/tm"
)

// DefaultHistoryLimit is the number of operations returned when no limit is given.
const DefaultHistoryLimit = 20

// CrawlerRequest is the body of the track and follow calls.
type CrawlerRequest struct {
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
}

// Response is the body returned by lifecycle calls and by every failed call.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// InfoResponse is the body of GET /api/v1/info.
type InfoResponse struct {
	*tm.Summary
	NameWidth int `json:"name_width"`
}

// Operation is the wire form of a history entry.
type Operation struct {
	ID         int64     `json:"id"`
	Operation  string    `json:"operation"`
	Crawler    string    `json:"crawler"`
	Parameters string    `json:"parameters"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// StatusFor maps a lifecycle error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case tm.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, tm.ErrCrawlerNotFound):
		return http.StatusNotFound
	case errors.Is(err, tm.ErrCrawlerActive), errors.Is(err, tm.ErrAlreadyActive), errors.Is(err, tm.ErrAlreadyPaused):
		return http.StatusConflict
	case errors.Is(err, tm.ErrNoCapacity), errors.Is(err, tm.ErrInsufficientRules):
		return http.StatusInsufficientStorage
	case errors.Is(err, tm.ErrProviderRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(StatusFor(err), Response{OK: false, Message: tm.Reason(err)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) create(mode tm.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CrawlerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, Response{Message: "invalid request body: " + err.Error()})
			return
		}

		var err error
		if mode == tm.ModeFollow {
			err = s.service.Follow(c.Request.Context(), req.Name, req.Targets)
		} else {
			err = s.service.Track(c.Request.Context(), req.Name, req.Targets)
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, Response{
			OK:      true,
			Message: fmt.Sprintf("crawler %s activated to %s the specified targets", req.Name, mode),
		})
	}
}

func (s *Server) pause(c *gin.Context) {
	name := c.Param("name")
	if err := s.service.Pause(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{OK: true, Message: fmt.Sprintf("crawler %s successfully paused", name)})
}

func (s *Server) resume(c *gin.Context) {
	name := c.Param("name")
	if err := s.service.Resume(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{OK: true, Message: fmt.Sprintf("crawler %s resumed", name)})
}

func (s *Server) deleteCrawler(c *gin.Context) {
	name := c.Param("name")
	if err := s.service.Delete(name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{OK: true, Message: fmt.Sprintf("crawler %s successfully deleted", name)})
}

func (s *Server) crawler(c *gin.Context) {
	info, err := s.service.InfoCrawler(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, InfoResponse{
		Summary:   s.service.Info(),
		NameWidth: s.service.Settings().CrawlerNameMaxLen,
	})
}

func (s *Server) history(c *gin.Context) {
	limit := DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, Response{Message: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = n
	}

	ops, err := s.service.History(limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = Operation{
			ID:         op.ID,
			Operation:  op.Operation,
			Crawler:    op.Crawler,
			Parameters: op.Parameters,
			Status:     op.Status,
			Message:    op.Message,
			StartedAt:  op.StartedAt,
			FinishedAt: op.FinishedAt,
		}
	}
	c.JSON(http.StatusOK, out)
}
