// Package server is the admin HTTP surface of a running stanza node: health,
// prometheus metrics, outstanding requests and registered schemas.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/stanza/internal/auth"
	"github.com/danmuck/stanza/internal/dispatcher"
	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/observability"
)

// PendingSource exposes the dispatcher's outstanding requests.
type PendingSource interface {
	Pending() []dispatcher.PendingRequest
	PendingCount() int
}

type Config struct {
	ID          string
	Addr        string
	Version     string
	CORSOrigins []string
	// Token, when set, is required as a bearer credential on every route
	// except /health.
	Token   string
	Plugins []string
}

type Admin struct {
	ID       string
	Addr     string
	Version  string
	Plugins  []string
	Appeared time.Time

	token  string
	source PendingSource
	router *gin.Engine
}

func NewAdmin(cfg Config, source PendingSource, accessLog zerolog.Logger) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.Instrument(accessLog, cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:       cfg.ID,
		Addr:     cfg.Addr,
		Version:  cfg.Version,
		Plugins:  cfg.Plugins,
		Appeared: time.Now(),
		token:    cfg.Token,
		source:   source,
		router:   r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("server.Admin.Serve addr=%s", a.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logs.Infof("server.Admin.Serve shutdown addr=%s", a.Addr)
		return srv.Shutdown(shutdownCtx)
	}
}

// requireToken rejects requests without the configured bearer token.
func (a *Admin) requireToken() gin.HandlerFunc {
	v := auth.StaticToken{Token: a.token}
	return func(c *gin.Context) {
		if a.token == "" {
			c.Next()
			return
		}
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
