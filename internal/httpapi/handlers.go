// Package httpapi exposes the call control API over gin.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/control"
	"call-coordinator/internal/rbac"
	"call-coordinator/internal/reporting"
	"call-coordinator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Control    *control.Service
	Reporting  *reporting.Service
	ICEServers []webrtc.ICEServer

	// AllowTokenIssue enables POST /v1/auth/token; never set in production.
	AllowTokenIssue bool
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a JWT token pair for a development identity.
//
// NOTE: no credential check; only mounted outside production.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil || !h.AllowTokenIssue {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleMember
	}
	if req.UserID == "" || !rbac.Valid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Call control ---

// PostCall applies one control action. A lost transition guard still
// answers 200 with applied=false.
func (h Handlers) PostCall(c *gin.Context) {
	if h.Control == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "control not configured"})
		return
	}
	userID, ok := requester(c)
	if !ok {
		return
	}
	var req control.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Control.Handle(c.Request.Context(), userID, req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetCall returns the requester's active session in a conversation, or
// null when there is none.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Control == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "control not configured"})
		return
	}
	userID, ok := requester(c)
	if !ok {
		return
	}
	session, found, err := h.Control.GetActive(c.Request.Context(), userID, c.Query("conversationId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	now := time.Now().UTC()
	if !found {
		c.JSON(http.StatusOK, gin.H{"session": nil, "timestamp": now})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "timestamp": now})
}

func (h Handlers) GetICEServers(c *gin.Context) {
	servers := h.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

// --- Reporting ---

func (h Handlers) ListHistory(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	userID, ok := requester(c)
	if !ok {
		return
	}
	f, err := historyFilter(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f.ParticipantID = userID
	rows, err := h.Reporting.History(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	f = f.Normalize()
	c.JSON(http.StatusOK, gin.H{"items": rows, "limit": f.Limit, "offset": f.Offset})
}

// CallsSummary aggregates the requester's own terminal calls.
func (h Handlers) CallsSummary(c *gin.Context) {
	userID, ok := requester(c)
	if !ok {
		return
	}
	h.summary(c, userID)
}

// AdminCallsSummary aggregates across every participant.
// RBAC: admin.
func (h Handlers) AdminCallsSummary(c *gin.Context) {
	h.summary(c, c.Query("participantId"))
}

func (h Handlers) summary(c *gin.Context, participantID string) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	rng, err := timeRange(c, time.Now().UTC())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		ParticipantID: participantID,
		Range:         rng,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ClientIP copies the caller address onto the request context for audit rows.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

func requester(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrNoIdentity):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, calls.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already active"})
	default:
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func historyFilter(c *gin.Context) (calls.HistoryFilter, error) {
	f := calls.HistoryFilter{
		ConversationID: c.Query("conversationId"),
		CallType:       calls.CallType(c.Query("callType")),
		Status:         calls.Status(c.Query("status")),
	}
	var err error
	if f.From, err = optionalTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalTime(c, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = optionalInt(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = optionalInt(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// timeRange defaults to the last 30 days ending at now.
func timeRange(c *gin.Context, now time.Time) (reporting.TimeRange, error) {
	from, err := optionalTime(c, "from")
	if err != nil {
		return reporting.TimeRange{}, err
	}
	to, err := optionalTime(c, "to")
	if err != nil {
		return reporting.TimeRange{}, err
	}
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-30 * 24 * time.Hour)
	}
	return reporting.TimeRange{From: from, To: to}, nil
}

func optionalTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return t, nil
}

func optionalInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
