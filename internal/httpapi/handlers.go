package httpapi

import (
	"errors"
	"net/http"

	"callconsole/internal/auth"
	"callconsole/internal/sessions"
	"callconsole/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the signaling relay HTTP handlers.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Sessions *sessions.Service
}

// Register mounts the relay resource on g. cmd/api mounts it under both
// /sessions and /call-sessions.
func (h Handlers) Register(g *gin.RouterGroup) {
	g.POST("", h.Create)
	g.GET("/:code", h.Fetch)
	g.POST("/:code/offer", h.Offer)
	g.POST("/:code/answer", h.Answer)
	g.POST("/:code/candidate", h.Candidate)
	g.POST("/:code/status", h.Status)
}

type createRequest struct {
	DialedNumber string `json:"dialed_number"`
}

type offerRequest struct {
	Offer        *sessions.Description `json:"offer"`
	DialedNumber string                `json:"dialed_number"`
}

type answerRequest struct {
	Answer *sessions.Description `json:"answer"`
}

type candidateRequest struct {
	Role      sessions.Role       `json:"role"`
	Candidate *sessions.Candidate `json:"candidate"`
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h Handlers) Create(c *gin.Context) {
	var req createRequest
	if !bindOptional(c, &req) {
		return
	}
	creator, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	s, err := h.Sessions.Create(c.Request.Context(), creator, req.DialedNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("call session created", "call_code", s.CallCode)
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Fetch(c *gin.Context) {
	s, err := h.Sessions.Fetch(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Offer(c *gin.Context) {
	var req offerRequest
	if !bindRequired(c, &req) {
		return
	}
	if req.Offer == nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "offer required"})
		return
	}
	s, err := h.Sessions.ApplyOffer(c.Request.Context(), c.Param("code"), *req.Offer, req.DialedNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Answer(c *gin.Context) {
	var req answerRequest
	if !bindRequired(c, &req) {
		return
	}
	if req.Answer == nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "answer required"})
		return
	}
	s, err := h.Sessions.ApplyAnswer(c.Request.Context(), c.Param("code"), *req.Answer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Candidate(c *gin.Context) {
	var req candidateRequest
	if !bindRequired(c, &req) {
		return
	}
	if req.Candidate == nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "candidate required"})
		return
	}
	n, err := h.Sessions.AppendCandidate(c.Request.Context(), c.Param("code"), req.Role, *req.Candidate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "count": n})
}

func (h Handlers) Status(c *gin.Context) {
	var req statusRequest
	if !bindRequired(c, &req) {
		return
	}
	s, err := h.Sessions.SetStatus(c.Request.Context(), c.Param("code"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func bindRequired(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	return true
}

// bindOptional accepts an empty body as the zero request.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindRequired(c, dst)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call session not found"})
	case errors.Is(err, sessions.ErrInvalidCode),
		errors.Is(err, sessions.ErrInvalidArgument),
		errors.Is(err, sessions.ErrInvalidStatus):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, sessions.ErrCodeExhausted):
		logger.FromGin(c).Error("call code space exhausted", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no call code available"})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
