package main

import (
	"context"
	"net/http"

	"call-coordinator/internal/auth"
	"call-coordinator/internal/httpapi"
	"call-coordinator/internal/rbac"
	"call-coordinator/internal/relay"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	authMW   gin.HandlerFunc
	handlers httpapi.Handlers
	gateway  *relay.Gateway
	ready    func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := d.handlers

	// Development token issuance; the handler refuses when disabled.
	r.POST("/v1/auth/token", h.IssueToken)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW, rbac.RequireIdentity())
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
		})

		// CALL control
		participant := rbac.RequireAnyRole(rbac.RoleMember, rbac.RoleService)
		v1.POST("/call", participant, h.PostCall)
		v1.GET("/call", participant, h.GetCall)
		v1.GET("/call/ice-servers", h.GetICEServers)

		// Signaling gateway (websocket upgrade; token via access_token query).
		v1.GET("/signal", participant, d.gateway.Handler())

		// REPORTING routes
		callsGroup := v1.Group("/calls")
		{
			callsGroup.GET("/history", h.ListHistory)
			callsGroup.GET("/summary", h.CallsSummary)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/calls/summary", h.AdminCallsSummary)
		}
	}
}
