package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/chainchat/internal/api/handler"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
)

// routerDeps is everything the HTTP surface needs.
type routerDeps struct {
	chain        handler.ChainView
	peers        handler.PeerView
	messages     handler.MessageService
	sessions     identity.SessionVerifier
	ws           http.Handler
	lastAudit    func() (ledger.Report, bool)
	corsOrigins  []string
	rateLimitRPS int
	// senders is shared with the websocket hub so both intake paths draw
	// from the same per-sender bucket. nil disables sender limiting.
	senders *handler.Limiter
	logger  *zap.Logger
}

func newRouter(ctx context.Context, d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     d.corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(d.corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (64 KB); messages are capped far below that.
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64<<10)
		c.Next()
	})

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(d.logger))

	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "chain_length": d.chain.Len()}
		if rep, ok := d.lastAudit(); ok {
			body["chain_valid"] = rep.Valid
			body["checked_at"] = rep.CheckedAt
		}
		c.JSON(http.StatusOK, body)
	})
	router.GET("/metrics", handler.MetricsHandler())
	router.GET("/ws", gin.WrapH(d.ws))

	v1 := router.Group("/api/v1")
	if d.rateLimitRPS > 0 {
		v1.Use(handler.NewLimiter(ctx, float64(d.rateLimitRPS), d.rateLimitRPS*2).Middleware(handler.ClientIPKey))
	}
	handler.NewChainHandler(d.chain, d.peers, d.logger).Register(v1)
	handler.NewPeerHandler(d.peers).Register(v1)

	messages := handler.NewMessageHandler(d.messages, d.sessions, d.logger)
	if d.senders != nil {
		messages.SetSenderLimiter(d.senders)
	}
	messages.Register(v1)

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// originChecker allows websocket upgrades from the configured CORS origins.
// Requests without an Origin header come from non-browser clients and pass.
func originChecker(origins []string) func(r *http.Request) bool {
	if containsWildcard(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
