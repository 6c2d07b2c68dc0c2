package debatedragon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	apiHealthCheck       = "/healthz"
	apiMetrics           = "/metrics"
	apiPrefix            = "/api"
	apiPathRambling      = "/rambling"
	apiPathRamblingReset = "/rambling/reset"
	apiPathSubscribers   = "/subscribers"

	xRequestIDHeader = "X-Request-ID"
)

// API serves the status endpoints: health, rambling state, reset,
// subscribers and prometheus metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	dd         *DebateDragon
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func newAPI(d *DebateDragon, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		dd:     d,
		logger: slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(loggerNameKey, "api"),
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiMetrics, gin.WrapH(promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{})))

	g := r.Group(apiPrefix)
	g.GET(apiPathRambling, api.getRamblingState)
	g.POST(apiPathRamblingReset, api.resetRamblingState)
	g.GET(apiPathSubscribers, api.getSubscribers)

	return api
}

// Serve listens on [APIConfig.Listen] and serves until the server is shut
// down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:    "ok",
			Connected: a.dd.discord.connected.Load(),
		},
	)
}

func (a *API) getRamblingState(c *gin.Context) {
	state, err := a.dd.detector.State(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error loading rambling state")
		return
	}
	c.JSON(http.StatusOK, state)
}

func (a *API) resetRamblingState(c *gin.Context) {
	state, err := a.dd.detector.Reset(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error resetting rambling state")
		return
	}
	ginContextLogger(c, a.logger).Warn("rambling state reset via api")
	c.JSON(http.StatusOK, state)
}

func (a *API) getSubscribers(c *gin.Context) {
	subs, err := a.dd.subscribers.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error loading subscribers")
		return
	}
	c.JSON(http.StatusOK, subs)
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger stored in the gin context,
// creating it (with request details attached) if it doesn't exist yet.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request after it's handled, along with
// any errors attached to the gin context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errs.Last()),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError aborts with a 500 JSON response with the given error
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func generateRandomHexString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
