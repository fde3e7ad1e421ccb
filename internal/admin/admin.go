// Package admin implements the relay's small HTTP admin surface:
// a /stats endpoint serving the live counters and a /healthz liveness
// probe, grounded on the gin block the teacher's CLI entrypoint ran
// alongside the proxy.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaywire/trojan/internal/relay"
	"github.com/relaywire/trojan/internal/resolver"
	"github.com/relaywire/trojan/internal/stats"
)

// Handler builds the gin engine serving the admin surface. registry and
// res are consulted live on every /stats request rather than cached, so
// the response always reflects the current connection count and DNS
// cache contents.
func Handler(metrics *stats.Manager, registry *relay.Registry, res *resolver.Resolver) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/stats", func(c *gin.Context) {
		snap := metrics.Snapshot()
		snap["connections_active"] = registry.Len()
		snap["dns_cache_entries"] = len(res.CacheSnapshot())
		c.JSON(http.StatusOK, gin.H{"stats": snap})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
