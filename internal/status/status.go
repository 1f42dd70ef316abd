// Package status exposes a minimal operational HTTP endpoint for a running
// bygeon process: liveness and per-hub correspondence counts. It is not
// the teacher's full TUI dashboard, just the daemon-health analogue of it.
package status

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HubReporter is the subset of *hub.Hub the status server needs. Defined
// here rather than imported from internal/hub so this package stays free
// of a dependency on hub's construction details.
type HubReporter interface {
	Platforms() []string
	RowCount(ctx context.Context) (int64, error)
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	ListenAddr string
	Hubs       map[string]HubReporter // hub name -> reporter
	Out        io.Writer
}

// Start launches the status HTTP server and blocks until ctx is cancelled,
// then shuts down gracefully. A caller that leaves ListenAddr empty should
// not call Start at all; bootstrap checks this before invoking it.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.ListenAddr == "" {
		return fmt.Errorf("status: listen_addr is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	startedAt := time.Now()
	registerRoutes(router, opts.Hubs, startedAt)

	srv := &http.Server{
		Addr:    opts.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "status endpoint listening on %s\n", opts.ListenAddr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

func registerRoutes(router *gin.Engine, hubs map[string]HubReporter, startedAt time.Time) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(startedAt).String(),
		})
	})

	router.GET("/stats", func(c *gin.Context) {
		out := make(map[string]hubStats, len(hubs))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, h := range hubs {
			name, h := name, h
			wg.Add(1)
			go func() {
				defer wg.Done()
				rows, err := h.RowCount(c.Request.Context())
				s := hubStats{Platforms: h.Platforms()}
				if err != nil {
					s.Error = err.Error()
				} else {
					s.Rows = rows
				}
				mu.Lock()
				out[name] = s
				mu.Unlock()
			}()
		}
		wg.Wait()
		c.JSON(http.StatusOK, gin.H{"hubs": out})
	})
}

type hubStats struct {
	Platforms []string `json:"platforms"`
	Rows      int64    `json:"rows"`
	Error     string   `json:"error,omitempty"`
}
