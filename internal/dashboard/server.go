// Package dashboard serves the HTTP status API: aggregate statistics,
// recent flags, HTTP flag submission and an SSE stream of lifecycle
// updates.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/flagyard/internal/models"
	"github.com/zulandar/flagyard/internal/output"
	"github.com/zulandar/flagyard/internal/store"
)

// Coordinator is the relay surface the dashboard consumes.
type Coordinator interface {
	ProcessNewFlags(values []string, sender models.Replier) error
	ChannelStatus() output.Status
	Statistics() (*store.Statistics, error)
	Recent(n int) ([]*models.Flag, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Coordinator Coordinator
	Hub         *Hub
	FlagRegexp  *regexp.Regexp
	Port        int
	Out         io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Coordinator == nil {
		return fmt.Errorf("dashboard: coordinator is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")
	api.GET("/stats", handleStats(opts.Coordinator))
	api.GET("/recent", handleRecent(opts.Coordinator))
	api.POST("/flags", handleSubmit(opts.Coordinator, opts.FlagRegexp))
	api.GET("/events", handleSSE(opts.Hub))
}

func handleStats(coord Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := coord.Statistics()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"output_status": coord.ChannelStatus(),
			"flags":         stats,
		})
	}
}

func handleRecent(coord Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := strconv.Atoi(c.DefaultQuery("count", "20"))
		if err != nil || count <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
			return
		}
		flags, err := coord.Recent(count)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, flags)
	}
}

// handleSubmit accepts a text body and treats everything matching the
// flag regexp as a submission, mirroring the intake socket.
func handleSubmit(coord Coordinator, re *regexp.Regexp) gin.HandlerFunc {
	return func(c *gin.Context) {
		if re == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "flag submission disabled"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		flags := re.FindAllString(string(body), -1)
		if len(flags) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no flags in request body"})
			return
		}
		if err := coord.ProcessNewFlags(flags, nil); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"submitted": len(flags)})
	}
}
