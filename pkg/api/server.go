// Package api exposes the HTTP control plane: playbook registration,
// execution start/cancel/inspection, the event feed, and credential
// management.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestro-run/maestro/pkg/broker"
	"github.com/maestro-run/maestro/pkg/catalog"
	"github.com/maestro-run/maestro/pkg/credential"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/metrics"
)

// Server holds the handler dependencies.
type Server struct {
	router *gin.Engine
	broker *broker.Broker
	cat    *catalog.Store
	creds  *credential.Store
	events *eventlog.Store
	execs  *eventlog.ExecutionStore
	db     *database.Client
}

// NewServer builds the router with all control-plane routes.
func NewServer(db *database.Client, b *broker.Broker, cat *catalog.Store) *Server {
	s := &Server{
		router: gin.New(),
		broker: b,
		cat:    cat,
		creds:  credential.NewStore(db.DB),
		events: eventlog.NewStore(db.DB),
		execs:  eventlog.NewExecutionStore(db.DB),
		db:     db,
	}
	s.router.Use(gin.Recovery(), requestID(), requestMetrics())
	s.routes()
	return s
}

// Handler returns the http.Handler serving the control plane.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/catalog/register", s.handleRegister)
		v1.GET("/catalog/*ref", s.handleCatalogGet)

		v1.POST("/execute", s.handleExecute)
		v1.POST("/cancel/:id", s.handleCancel)
		v1.GET("/execution/:id", s.handleExecution)
		v1.GET("/executions", s.handleExecutions)
		v1.GET("/events", s.handleEvents)

		v1.POST("/credentials", s.handleCredentialPut)
		v1.GET("/credentials", s.handleCredentialList)
		v1.GET("/credentials/:name", s.handleCredentialGet)
		v1.DELETE("/credentials/:name", s.handleCredentialDelete)

		v1.POST("/postgres/execute", s.handlePostgresExecute)
	}
}

// requestIDKey is the gin context key carrying the request id.
const requestIDKey = "request_id"

// requestID tags every request with an id for log correlation. An
// X-Request-ID supplied by the caller (proxy, retrying client) wins.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestMetrics counts requests per route and status code.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status, err := database.Health(ctx, s.db.DB)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": status,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": status})
}
