package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewMonitor builds the read-only monitoring API. It exposes the dispatcher
// snapshot for an ops/presentation layer and nothing that mutates state.
func NewMonitor(s *Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/v1/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/api/v1/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	return r
}
