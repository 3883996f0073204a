package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/urai-sidecar/internal/auth"
	"github.com/loykin/urai-sidecar/internal/supervisor"
)

// Supervisor is the part of *supervisor.Supervisor the control API drives.
type Supervisor interface {
	Acquire(ctx context.Context, installDir string, creds supervisor.Credentials) (supervisor.Endpoint, error)
	Release(ctx context.Context, installDir string) error
	Status(installDir string) supervisor.Status
}

// Router exposes worker acquisition over HTTP for the one configured install dir.
// Endpoints:
//
//	POST {basePath}/endpoint   acquire (or reuse) the worker and return its endpoint
//	POST {basePath}/release    stop the recorded worker and clear the lock
//	GET  {basePath}/status     lock record and liveness
//	POST {basePath}/login      exchange the client secret for a token (auth only)
//
// Requests carrying a ?dir= parameter are rejected, as are browser requests
// from another origin.
type Router struct {
	sup      Supervisor
	basePath string
	dir      string
	creds    supervisor.Credentials
	logger   *slog.Logger
	auth     *auth.Service
}

// NewRouter constructs a Router serving installDir under basePath.
// Example basePath: "/abc" results in /abc/endpoint, /abc/release, /abc/status.
func NewRouter(sup Supervisor, basePath, installDir string, creds supervisor.Credentials, l *slog.Logger) *Router {
	if l == nil {
		l = slog.Default()
	}
	if installDir != "" {
		installDir = filepath.Clean(installDir)
	}
	return &Router{sup: sup, basePath: sanitizeBase(basePath), dir: installDir, creds: creds, logger: l}
}

// WithAuth requires a bearer token issued by a on every endpoint but login.
func (r *Router) WithAuth(a *auth.Service) *Router {
	r.auth = a
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.rejectCrossOrigin)
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/login", r.auth.GinLogin)
	}
	group = group.Group("", r.auth.GinAuth())
	group.POST("/endpoint", r.handleEndpoint)
	group.POST("/release", r.handleRelease)
	group.GET("/status", r.handleStatus)
	return g
}

// NewServer builds an HTTP server on addr using this router. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// acquisition may wait for a worker to start
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type endpointResp struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

func (r *Router) rejectCrossOrigin(c *gin.Context) {
	if !sameOrigin(c.GetHeader("Origin"), c.Request.Host) {
		writeJSON(c, http.StatusForbidden, errorResp{Error: "cross-origin requests are not allowed"})
		c.Abort()
		return
	}
	c.Next()
}

// installDir returns the configured install dir. The worker binary that gets
// run is never chosen by the caller.
func (r *Router) installDir(c *gin.Context) (string, bool) {
	if _, set := c.GetQuery("dir"); set {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "dir cannot be chosen per request"})
		return "", false
	}
	if r.dir == "" {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "install_dir is not configured"})
		return "", false
	}
	return r.dir, true
}

func (r *Router) handleEndpoint(c *gin.Context) {
	dir, ok := r.installDir(c)
	if !ok {
		return
	}
	ep, err := r.sup.Acquire(c.Request.Context(), dir, r.creds)
	if err != nil {
		r.logger.Warn("acquire via control api", "dir", dir, "error", err)
		writeJSON(c, statusFor(err), errorResp{Error: err.Error(), Kind: supervisor.Kind(err)})
		return
	}
	writeJSON(c, http.StatusOK, endpointResp{Host: ep.Host, Port: ep.Port, URL: ep.URL()})
}

func (r *Router) handleRelease(c *gin.Context) {
	dir, ok := r.installDir(c)
	if !ok {
		return
	}
	if err := r.sup.Release(c.Request.Context(), dir); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	dir, ok := r.installDir(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.sup.Status(dir))
}

func statusFor(err error) int {
	var pe *supervisor.PrematureExitError
	switch {
	case errors.Is(err, supervisor.ErrBinaryNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrStartupTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
