package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/stanza/internal/protocol/schema"
)

type pendingView struct {
	ID  string `json:"id"`
	To  string `json:"to,omitempty"`
	Age string `json:"age"`
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": a.Version,
			"plugins": a.Plugins,
		})
	})

	guarded := a.router.Group("/", a.requireToken())
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded.GET("/pending", func(c *gin.Context) {
		if a.source == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatcher not attached"})
			return
		}
		now := time.Now()
		list := a.source.Pending()
		views := make([]pendingView, 0, len(list))
		for _, p := range list {
			views = append(views, pendingView{ID: p.ID, To: p.To, Age: now.Sub(p.SentAt).Round(time.Millisecond).String()})
		}
		c.JSON(http.StatusOK, gin.H{
			"count":   a.source.PendingCount(),
			"pending": views,
		})
	})

	guarded.GET("/schemas", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"schemas": schema.Registered()})
	})
}
