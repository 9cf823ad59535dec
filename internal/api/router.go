// Package api exposes the child server's HTTP surface: liveness, health,
// the permission bridge, swagger docs, and the WebSocket upgrade that
// hands connections off to the broker (spec §6 External Interfaces).
package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/devpocket/relay/internal/broker"
	"github.com/devpocket/relay/internal/protocol"
)

// startTime anchors the uptime reported by /health.
var startTime = time.Now()

// LivenessResponse is the body of GET /.
type LivenessResponse struct {
	Status  string         `json:"status"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK            bool    `json:"ok"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// upgrader is shared across all WS connections; CheckOrigin is permissive
// because the only gate that matters is the post-upgrade `auth` message.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SetupRouter wires recovery, CORS, no-cache, timing, and logging
// middleware, then the four routes this spec needs plus swagger docs
// (spec §6, trimmed from the teacher's much larger REST surface).
// restartCount is the supervisor-assigned generation of this child
// instance, propagated in over RELAY_RESTART_COUNT and surfaced in the
// liveness metrics.
func SetupRouter(b *broker.Broker, authRequired bool, restartCount int) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	r.Use(processingTimeMiddleware())
	r.Use(logrusMiddleware())

	r.GET("/swagger", func(c *gin.Context) { c.Redirect(http.StatusMovedPermanently, "/swagger/index.html") })
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, LivenessResponse{
			Status: "ok",
			Metrics: map[string]any{
				"clients":      b.ClientCount(),
				"restartCount": restartCount,
				"uptime":       time.Since(startTime).Seconds(),
				"goVersion":    runtime.Version(),
				"os":           runtime.GOOS,
				"arch":         runtime.GOARCH,
			},
		})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{OK: true, UptimeSeconds: time.Since(startTime).Seconds()})
	})

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		b.HandleConn(conn)
	})

	r.POST("/permission", func(c *gin.Context) {
		if authRequired && !b.CheckToken(c.GetHeader("Authorization")) {
			c.Status(http.StatusForbidden)
			return
		}

		var req protocol.PermissionHTTPRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, protocol.PermissionHTTPResponse{Decision: "deny", Message: "malformed request body"})
			return
		}

		resp := b.RequestPermission(c.Request.Context(), req)
		c.JSON(http.StatusOK, resp)
	})

	return r
}
