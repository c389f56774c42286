package main

import (
	"context"
	"net/http"

	"callconsole/internal/config"
	"callconsole/internal/httpapi"
	"callconsole/internal/sessions"
	"callconsole/internal/telephony"
	"callconsole/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type routeDeps struct {
	cfg      config.Config
	sessions *sessions.Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	authMW   gin.HandlerFunc
	health   func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := d.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler(d.gatherer))

	// Call-control webhooks carry their own bearer check.
	telephony.WebhookHandler{
		Jambonz:       d.cfg.Jambonz,
		PublicBaseURL: d.cfg.App.PublicBaseURL,
		Recorder:      d.metrics,
	}.Register(r.Group("/webhooks/jambonz"))

	// Relay resource, under the short and the legacy prefix.
	h := httpapi.Handlers{Sessions: d.sessions}
	for _, prefix := range []string{"/sessions", "/call-sessions"} {
		g := r.Group(prefix)
		g.Use(d.authMW)
		h.Register(g)
	}
}
