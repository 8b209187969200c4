package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Jeffail/gabs/v2"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BDNK1/hotswap/runtime/snapshot"
)

// StatusSource is the read side of the orchestrator.
type StatusSource interface {
	Status() Status
}

// Reloader requests a reload on the next frame.
type Reloader interface {
	Trigger()
}

// HTTPOptions configures the status endpoints.
type HTTPOptions struct {
	Status StatusSource
	// Store backs GET /state. Optional.
	Store snapshot.Store
	// Reloader backs POST /reload. Optional.
	Reloader Reloader
	// Gatherer backs GET /metrics. Optional.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

var errNotRunning = errors.New("plugin is not running")

// NewHttpHandler registers the status, state, reload, health and metrics
// endpoints on g. None of them call into the plugin: they read the published
// status and the snapshot store, and raise the same flag a file change does.
func NewHttpHandler(opts HTTPOptions, g *gin.Engine) {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	l = l.With("component", "http")

	g.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, opts.Status.Status())
	})

	g.GET("/state", handleState(opts.Store, l))
	g.POST("/reload", handleReload(opts.Reloader, l))

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(4096))
	health.AddReadinessCheck("plugin", func() error {
		if s := opts.Status.Status(); s.State != StateRunning {
			return fmt.Errorf("%w: %s", errNotRunning, s.State)
		}
		return nil
	})
	g.GET("/live", gin.WrapF(health.LiveEndpoint))
	g.GET("/ready", gin.WrapF(health.ReadyEndpoint))

	if opts.Gatherer != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

// handleState returns the latest snapshot. With ?path=a.b only that part of
// the state is returned.
func handleState(store snapshot.Store, l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "No snapshot store configured"})
			return
		}

		snap, ok, err := store.Latest(c.Request.Context())
		if err != nil {
			l.Error("Reading snapshot failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Error reading snapshot: " + err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "No snapshot yet"})
			return
		}

		parsed, err := gabs.ParseJSON(snap.Data)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"message": "Snapshot is not JSON",
				"bytes":   len(snap.Data),
			})
			return
		}

		if path := c.Query("path"); path != "" {
			if !parsed.ExistsP(path) {
				c.JSON(http.StatusNotFound, gin.H{"message": "No value at " + path})
				return
			}
			parsed = parsed.Path(path)
		}

		c.JSON(http.StatusOK, gin.H{
			"session_id": snap.SessionID,
			"generation": snap.Generation,
			"image":      snap.Image,
			"saved_at":   snap.SavedAt,
			"state":      parsed.Data(),
		})
	}
}

func handleReload(r Reloader, l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if r == nil {
			c.JSON(http.StatusConflict, gin.H{"message": "Hot reload is disabled"})
			return
		}
		r.Trigger()
		l.Info("Reload requested", "remote", c.ClientIP())
		c.JSON(http.StatusAccepted, gin.H{"message": "Reload scheduled"})
	}
}
