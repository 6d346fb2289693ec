// Package httpapi exposes the series services over HTTP.
package httpapi

import (
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

// Config wires the handlers to their collaborators.
type Config struct {
	Occurrences    *series.OccurrenceService
	Modify         *series.ModificationEngine
	Engine         *recurrence.Engine
	JWTSecret      string
	AllowedOrigins []string
	Logger         *slog.Logger
	Now            func() time.Time
}

type handler struct {
	occurrences *series.OccurrenceService
	modify      *series.ModificationEngine
	engine      *recurrence.Engine
	logger      *slog.Logger
	now         func() time.Time
}

// New builds the router. Every route lives under /api and requires a bearer
// token.
func New(cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Engine == nil {
		cfg.Engine = recurrence.NewEngine()
	}
	h := &handler{
		occurrences: cfg.Occurrences,
		modify:      cfg.Modify,
		engine:      cfg.Engine,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger), corsMiddleware(cfg.AllowedOrigins))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.Use(JWTMiddleware(cfg.JWTSecret))

	rec := api.Group("/recurrence")
	rec.POST("/preview", h.preview)
	rec.POST("/describe", h.describeRule)
	rec.POST("/check", h.check)

	api.POST("/series", h.createSeries)
	api.POST("/series/import", h.importSeries)

	ev := api.Group("/events/:slug")
	ev.POST("/promote", h.promote)
	ev.PUT("/rule", h.updateRule)
	ev.DELETE("/series", h.deleteSeries)
	ev.GET("/occurrences", h.listOccurrences)
	ev.GET("/occurrences/expanded", h.expandOccurrences)
	ev.POST("/exceptions", h.addException)
	ev.DELETE("/exceptions/:date", h.removeException)
	ev.POST("/materialize", h.materialize)
	ev.POST("/materialize/next", h.materializeNext)
	ev.POST("/split", h.split)
	ev.GET("/effective", h.effective)
	ev.GET("/description", h.describeSeries)
	ev.GET("/ics", h.exportICS)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
