// Package server is the origin: city JSON, manifests, worker records,
// the version manifest and the city pages.
package server

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mmcdole/citypack/internal/catalog"
	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/worker"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

const themeColor = "#C9A227"

// Handler serves the origin routes.
type Handler struct {
	Catalog       *catalog.Catalog
	Origin        string
	SchemaVersion int
	Logger        *slog.Logger

	pages *template.Template
}

func NewHandler(cat *catalog.Catalog, origin string, schemaVersion int, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pages, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Handler{
		Catalog:       cat,
		Origin:        strings.TrimRight(origin, "/"),
		SchemaVersion: schemaVersion,
		Logger:        logger,
		pages:         pages,
	}, nil
}

// Router builds the gin engine with request logging and recovery.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Logger))
	h.RegisterRoutes(&r.RouterGroup)
	return r
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	api := rg.Group("/api")
	api.GET("/cities", h.searchCities)
	api.GET("/cities/:id", h.getCity)
	api.GET("/download-city", h.downloadCity)
	api.GET("/manifest/:city", h.manifest)
	api.GET("/version-check", h.versionCheck)

	rg.GET("/", h.home)
	rg.GET("/manifest.webmanifest", h.appManifest)
	rg.GET("/city/:slug", h.cityPage)
	rg.GET("/city/:slug/*rest", h.cityScope)

	static, _ := fs.Sub(staticFS, "static")
	rg.Group("/static", cacheControl("public, max-age=31536000, immutable")).
		StaticFS("/", http.FS(static))
}

func (h *Handler) searchCities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cities": h.Catalog.Search(c.Query("q"))})
}

func (h *Handler) getCity(c *gin.Context) {
	city, ok := h.city(c, c.Param("id"))
	if !ok {
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, city)
}

func (h *Handler) downloadCity(c *gin.Context) {
	slug := c.Query("slug")
	if slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing slug"})
		return
	}
	city, ok := h.city(c, slug)
	if !ok {
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="city-travel-pack-%s.json"`, city.Slug))
	c.Header("Cache-Control", "private, max-age=3600")
	c.IndentedJSON(http.StatusOK, city)
}

// Manifest is a web app manifest.
type Manifest struct {
	Name            string         `json:"name"`
	ShortName       string         `json:"short_name"`
	Description     string         `json:"description"`
	Display         string         `json:"display"`
	Scope           string         `json:"scope"`
	StartURL        string         `json:"start_url"`
	BackgroundColor string         `json:"background_color"`
	ThemeColor      string         `json:"theme_color"`
	Orientation     string         `json:"orientation"`
	Icons           []ManifestIcon `json:"icons"`
}

type ManifestIcon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes"`
	Type  string `json:"type"`
}

// ManifestFor builds the manifest of a city. Scope and start_url carry no
// query so the installed app launches inside the worker scope.
func ManifestFor(city domain.City) Manifest {
	return Manifest{
		Name:            city.Name + " Travel Pack",
		ShortName:       city.Name + " Pack",
		Description:     "Offline city travel pack",
		Display:         "standalone",
		Scope:           domain.ScopePath(city.Slug),
		StartURL:        domain.ScopePath(city.Slug),
		BackgroundColor: "#ffffff",
		ThemeColor:      themeColor,
		Orientation:     "portrait",
		Icons: []ManifestIcon{
			{Src: "/static/icons/default-192.svg", Sizes: "192x192", Type: "image/svg+xml"},
			{Src: "/static/icons/default-512.svg", Sizes: "512x512", Type: "image/svg+xml"},
		},
	}
}

func (h *Handler) manifest(c *gin.Context) {
	city, ok := h.city(c, strings.TrimSuffix(c.Param("city"), ".json"))
	if !ok {
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Render(http.StatusOK, jsonAs{contentType: "application/manifest+json", data: ManifestFor(city)})
}

func (h *Handler) appManifest(c *gin.Context) {
	m := ManifestFor(domain.City{Name: "City"})
	m.Name, m.ShortName = "City Travel Packs", "City Packs"
	m.Scope, m.StartURL = "/", "/"
	c.Header("Cache-Control", "public, max-age=86400")
	c.Render(http.StatusOK, jsonAs{contentType: "application/manifest+json", data: m})
}

func (h *Handler) versionCheck(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=60")
	c.JSON(http.StatusOK, h.Catalog.Versions())
}

func (h *Handler) home(c *gin.Context) {
	h.render(c, "home.html", gin.H{
		"Cities":   h.Catalog.All(),
		"Manifest": "/manifest.webmanifest",
	})
}

func (h *Handler) cityPage(c *gin.Context) {
	city, ok := h.cityHTML(c, c.Param("slug"))
	if !ok {
		return
	}
	h.render(c, "city.html", gin.H{
		"City":     city,
		"Manifest": domain.ManifestPath(city.Slug),
		"Data":     domain.DataPath(city.Slug),
		"Scope":    domain.ScopePath(city.Slug),
	})
}

// cityScope serves paths under the worker scope: the scope root renders
// the page and worker.json is the worker record.
func (h *Handler) cityScope(c *gin.Context) {
	switch c.Param("rest") {
	case "/":
		h.cityPage(c)
	case "/worker.json":
		h.workerConfig(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

func (h *Handler) workerConfig(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.city(c, slug); !ok {
		return
	}
	cfg, err := worker.ConfigFor(h.origin(c), slug, h.SchemaVersion)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid city slug"})
		return
	}
	c.Header("Service-Worker-Allowed", domain.ScopePath(slug))
	c.Header("Cache-Control", "public, max-age=86400")
	c.JSON(http.StatusOK, cfg)
}

// origin is the configured origin, or the request's own when unset.
func (h *Handler) origin(c *gin.Context) string {
	if h.Origin != "" {
		return h.Origin
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func (h *Handler) city(c *gin.Context, slug string) (domain.City, bool) {
	city, err := h.Catalog.BySlug(slug)
	if err != nil {
		if errors.Is(err, domain.ErrCityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "City not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return domain.City{}, false
	}
	return city, true
}

func (h *Handler) cityHTML(c *gin.Context, slug string) (domain.City, bool) {
	city, err := h.Catalog.BySlug(slug)
	if err != nil {
		c.String(http.StatusNotFound, "City not found")
		return domain.City{}, false
	}
	return city, true
}

func (h *Handler) render(c *gin.Context, name string, data gin.H) {
	var buf strings.Builder
	if err := h.pages.ExecuteTemplate(&buf, name, data); err != nil {
		h.Logger.Error("render failed", "template", name, "error", err)
		c.String(http.StatusInternalServerError, "render failed")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(buf.String()))
}

func cacheControl(value string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", value)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
