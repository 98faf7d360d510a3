// Package dashboard serves a small read-only web view of the assistant
// pool: live counts, per-assistant status, and usage history. It never
// exposes credentials.
package dashboard

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templatesFS embed.FS

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Registry *registry.Registry
	Pool     *pool.Manager
	Port     int
	Out      io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts.Registry, opts.Pool)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

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

// NewRouter builds the gin router with all dashboard routes.
func NewRouter(reg *registry.Registry, pm *pool.Manager) (*gin.Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("dashboard: registry is required")
	}
	if pm == nil {
		return nil, fmt.Errorf("dashboard: pool is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("dashboard: parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	registerRoutes(router, reg, pm)
	return router, nil
}
