// Package api serves the optional read-only HTTP admin surface. It is a
// thin shim over the event router: every endpoint dispatches a read-only
// event and renders the result as JSON, so HTTP and socket clients always
// see the same data. Disabled unless an admin address is configured.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/version"
)

// adminClientID marks admin-originated dispatches in the event log.
const adminClientID = "admin-api"

const dispatchTimeout = 10 * time.Second

// Requests exposes the in-flight request view of the session tracker.
type Requests interface {
	PendingRequests() ([]*models.Request, error)
}

// Server is the admin HTTP server.
type Server struct {
	router   *router.Router
	requests Requests
	http     *http.Server
}

// NewServer builds the admin server listening on addr.
func NewServer(addr string, r *router.Router, requests Requests) *Server {
	s := &Server{router: r, requests: requests}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.Healthz)
	engine.GET("/readyz", s.Readyz)

	v1 := engine.Group("/v1")
	v1.GET("/agents", s.ListAgents)
	v1.GET("/requests", s.ListRequests)
	v1.GET("/discovery", s.Discovery)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("Admin API listening", "addr", s.http.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// dispatch sends one event through the router on behalf of the admin
// client and returns the first result.
func (s *Server) dispatch(c *gin.Context, name string, data map[string]any) (any, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), dispatchTimeout)
	defer cancel()

	results, err := s.router.Dispatch(ctx,
		&models.Event{Name: name, Data: data},
		router.Origin{ClientID: adminClientID})
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error": err.Error(),
			"kind":  string(models.KindOf(err)),
		})
		return nil, false
	}
	if len(results) == 0 {
		c.JSON(http.StatusOK, gin.H{})
		return nil, false
	}
	return results[0], true
}

// Healthz reports process liveness.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
	})
}

// Readyz reports readiness by running a health query through the router;
// it fails while the dispatch loop is not serving.
func (s *Server) Readyz(c *gin.Context) {
	result, ok := s.dispatch(c, "system:health", nil)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListAgents returns the live agent table. Supports ?status= filtering.
func (s *Server) ListAgents(c *gin.Context) {
	data := map[string]any{}
	if status := c.Query("status"); status != "" {
		data["status"] = status
	}
	result, ok := s.dispatch(c, "agent:list", data)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListRequests returns completion requests that have not reached a
// terminal status.
func (s *Server) ListRequests(c *gin.Context) {
	pending, err := s.requests.PendingRequests()
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error": err.Error(),
			"kind":  string(models.KindOf(err)),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(pending),
		"requests": pending,
	})
}

// Discovery returns the registered event surface. Supports ?namespace=,
// ?event= and ?level=full.
func (s *Server) Discovery(c *gin.Context) {
	data := map[string]any{}
	if ns := c.Query("namespace"); ns != "" {
		data["namespace"] = ns
	}
	if event := c.Query("event"); event != "" {
		data["event"] = event
	}
	if level := c.Query("level"); level != "" {
		data["level"] = level
	}
	result, ok := s.dispatch(c, "system:discover", data)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// statusFor maps daemon error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindInvalidArgument:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindPermissionDenied:
		return http.StatusForbidden
	case models.KindConflict:
		return http.StatusConflict
	case models.KindCapacity:
		return http.StatusTooManyRequests
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
