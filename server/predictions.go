package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fluxpredict/adapter"
	"fluxpredict/db"
	"fluxpredict/diffusion"
	"fluxpredict/handlers"
	"fluxpredict/predict"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OutputRef is an accepted image as returned to clients.
type OutputRef struct {
	predict.Output
	URL string `json:"url"`
}

// PredictionResponse is the body of a successful POST /predictions.
type PredictionResponse struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Seed      int64       `json:"seed"`
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	Adapter   string      `json:"adapter,omitempty"`
	Generated int         `json:"generated"`
	Accepted  int         `json:"accepted"`
	Outputs   []OutputRef `json:"outputs"`
	ElapsedMS int64       `json:"elapsed_ms"`
}

type errorResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error"`
}

func (s *Server) healthCheck(c *gin.Context) {
	status := s.runner.Status()
	code := http.StatusOK
	if status == predict.StatusSetupFailed {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

func (s *Server) createPrediction(c *gin.Context) {
	req := predict.DefaultRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	id := uuid.NewString()
	res, err := s.runner.Handle(c.Request.Context(), id, db.SourceHTTP, req, nil)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.JSON(code, errorResponse{ID: id, Status: handlers.OutcomeStatus(err), Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.response(res))
}

func (s *Server) getPrediction(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "prediction history is disabled"})
		return
	}
	p, err := s.history.GetPrediction(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listPredictions(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "prediction history is disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 1 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and " + strconv.Itoa(maxListLimit)})
		return
	}
	list, err := s.history.ListPredictions(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if list == nil {
		list = []db.Prediction{}
	}
	c.JSON(http.StatusOK, gin.H{"predictions": list})
}

// statsRecent is how many recent predictions /stats includes.
const statsRecent = 10

func (s *Server) stats(c *gin.Context) {
	if s.history == nil && s.metrics == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "prediction history is disabled"})
		return
	}
	body := gin.H{"status": s.runner.Status()}
	if s.history != nil {
		counts, err := s.history.CountByStatus(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		body["predictions"] = counts
	}
	if s.metrics != nil {
		body["metrics"] = s.metrics.Snapshot(statsRecent)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) response(res *predict.Result) PredictionResponse {
	out := PredictionResponse{
		ID:        res.ID,
		Status:    db.StatusSucceeded,
		Seed:      res.Seed,
		Width:     res.Width,
		Height:    res.Height,
		Adapter:   res.Adapter,
		Generated: res.Generated,
		Accepted:  res.Accepted,
		Outputs:   make([]OutputRef, 0, len(res.Outputs)),
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	for _, o := range res.Outputs {
		out.Outputs = append(out.Outputs, s.outputRef(o))
	}
	return out
}

func (s *Server) outputRef(o predict.Output) OutputRef {
	ref := OutputRef{Output: o}
	rel, err := filepath.Rel(s.config.OutputDir, o.Path)
	if err == nil && !strings.HasPrefix(rel, "..") {
		ref.URL = "/outputs/" + filepath.ToSlash(rel)
	}
	return ref
}

// statusFor maps a prediction error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, predict.ErrInvalidRequest),
		errors.Is(err, adapter.ErrInvalidReference),
		errors.Is(err, adapter.ErrNoWeightsInArchive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, diffusion.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, predict.ErrNotReady), errors.Is(err, handlers.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
