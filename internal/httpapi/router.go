// Package httpapi exposes the mail-send endpoint and the inbox API over HTTP.
package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/mailsandbox/internal/ingest"
	"github.com/shineum/mailsandbox/internal/metrics"
	"github.com/shineum/mailsandbox/internal/query"
)

// APIPrefix is the path prefix of the inbox API.
const APIPrefix = "/api"

// DefaultMaxBodySize caps a mail-send request body when Options leaves it unset.
const DefaultMaxBodySize = 10 << 20

const msgInternal = "Internal server error"

// Options configures the router.
type Options struct {
	// MaxBodySize caps the POST /emails body in bytes.
	MaxBodySize int64
	// UIDir, when set, is served at / for any path no route claims.
	UIDir string
	// HTTPPort and SMTPPort are reported by GET /api/config.
	HTTPPort int
	SMTPPort int
}

// NewRouter builds the HTTP handler. m may be nil, in which case /metrics is
// not mounted.
func NewRouter(mail *ingest.MailAPI, inbox *query.Service, m *metrics.Metrics, opts Options) *gin.Engine {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}

	router := gin.New()
	router.Use(requestLogger(), recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if m != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
				ErrorHandling: promhttp.HTTPErrorOnError,
			}),
		))
	}

	router.POST("/emails", limitBody(opts.MaxBodySize, m), sendEmail(mail, m))

	api := router.Group(APIPrefix, cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:              []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	}))
	api.GET("/emails", listEmails(inbox))
	api.GET("/emails/:id", getEmail(inbox))
	api.DELETE("/emails", deleteAllEmails(inbox))
	api.DELETE("/emails/:id", deleteEmail(inbox))
	api.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"httpPort": opts.HTTPPort, "smtpPort": opts.SMTPPort})
	})
	// Preflight requests without a CORS origin still get an empty 200.
	api.OPTIONS("/*path", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if opts.UIDir != "" {
		router.NoRoute(serveUI(opts.UIDir))
	}

	return router
}

// requestLogger logs every request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// recovery turns a handler panic into a logged 500.
func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		slog.Error("panic in http handler",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
	})
}

// serveUI serves files from dir and falls back to index.html so client-side
// routes resolve.
func serveUI(dir string) gin.HandlerFunc {
	root := http.Dir(dir)
	files := http.FileServer(root)
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		if f, err := root.Open(path.Clean(c.Request.URL.Path)); err == nil {
			f.Close()
			files.ServeHTTP(c.Writer, c.Request)
			return
		}
		c.File(filepath.Join(dir, "index.html"))
	}
}
