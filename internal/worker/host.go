package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/domain"
)

// HostConfig configures the agent HTTP surface.
type HostConfig struct {
	Registry      *Registry
	Origin        string
	SchemaVersion int
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// Host exposes registered workers over HTTP: a caching proxy in front of
// the origin, a WebSocket control channel per scope and worker metrics.
type Host struct {
	registry      *Registry
	origin        *url.URL
	schemaVersion int
	passthrough   *httputil.ReverseProxy
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
}

func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}

	rp := httputil.NewSingleHostReverseProxy(origin)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		req.Host = origin.Host
	}

	return &Host{
		registry:      cfg.Registry,
		origin:        origin,
		schemaVersion: cfg.SchemaVersion,
		passthrough:   rp,
		gatherer:      cfg.Gatherer,
		logger:        cfg.Logger,
	}, nil
}

// Router builds the gin engine of the agent.
func (h *Host) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	agent := r.Group("/_agent")
	agent.GET("/workers", h.listWorkers)
	agent.POST("/workers/:slug", h.registerCity)
	agent.DELETE("/workers/:slug", h.unregisterCity)
	agent.POST("/sync", h.fireSyncs)
	agent.GET("/ws/*scope", h.serveWS)

	r.NoRoute(h.proxy)
	return r
}

func (h *Host) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.registry.Registrations()})
}

func (h *Host) registerCity(c *gin.Context) {
	slug := c.Param("slug")
	reg, err := h.registry.RegisterCity(c.Request.Context(), h.origin.String(), slug, h.schemaVersion)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidSlug) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope": reg.Worker.Config().ScopeURL(),
		"state": reg.Worker.State(),
	})
}

func (h *Host) unregisterCity(c *gin.Context) {
	if !h.registry.Unregister(domain.ScopePath(c.Param("slug"))) {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not registered"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Host) fireSyncs(c *gin.Context) {
	h.registry.FireSyncs(c.Request.Context())
	c.Status(http.StatusAccepted)
}

// serveWS connects a remote client to the worker of the given scope.
func (h *Host) serveWS(c *gin.Context) {
	scope := c.Param("scope")
	w, ok := h.registry.Worker(scope)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no worker for scope"})
		return
	}

	conn, err := channel.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	t := channel.NewWebSocket(conn)
	defer t.Close()

	h.logger.Info("client connected", "scope", scope)
	if err := w.Serve(c.Request.Context(), t); err != nil {
		h.logger.Warn("client channel failed", "scope", scope, "error", err)
	}
	h.logger.Info("client disconnected", "scope", scope)
}

// proxy routes a request to the controlling worker, falling back to the
// origin when no worker intercepts it.
func (h *Host) proxy(c *gin.Context) {
	if w, ok := h.controller(c.Request); ok {
		Proxy(w, h.passthrough).ServeHTTP(c.Writer, c.Request)
		return
	}
	h.passthrough.ServeHTTP(c.Writer, c.Request)
}

// controller picks the worker of the page that issued req (by Referer),
// else the worker whose scope covers the request path.
func (h *Host) controller(req *http.Request) (*Worker, bool) {
	if ref, err := url.Parse(req.Referer()); err == nil && ref.Path != "" {
		if w, ok := h.registry.Match(ref.Path); ok && w.Config().IsCity() {
			return w, true
		}
	}
	return h.registry.Match(req.URL.Path)
}
