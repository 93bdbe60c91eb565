package modmail

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck    = "/api/health"
	apiPathThreads    = "/api/threads"
	apiPathThread     = "/api/threads/:userID"
	apiPathSettings   = "/api/settings"
	apiPathUnblock    = "/api/users/:userID/unblock"
	apiThreadPageSize = 100
)

// API is the admin HTTP surface: health, thread inspection, settings
// read/update, and unblocking. It binds to localhost by default and
// carries no authentication, so exposing it further is on the operator.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	mm         *ModMail
}

func newAPI(m *ModMail, config *APIConfig) *API {
	apiLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		logger: apiLogger,
		mm:     m,
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathThreads, api.getThreads)
	r.GET(apiPathThread, api.getThread)
	r.GET(apiPathSettings, api.getSettings)
	r.PATCH(apiPathSettings, api.updateSettings)
	r.POST(apiPathUnblock, api.unblockUser)

	return api
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{
			"status":       "ok",
			"connected":    a.mm.discord.connected.Load(),
			"open_threads": a.mm.registry.Len(),
			"version":      Version,
		},
	)
}

// getThreads lists threads, open first, newest first. By default both
// open and closed threads are returned; ?open=true restricts to open.
func (a *API) getThreads(c *gin.Context) {
	q := a.mm.db.WithContext(c.Request.Context()).
		Order("closed asc, created_at desc").
		Limit(apiThreadPageSize)
	if c.Query("open") == "true" {
		q = q.Where("closed = ?", false)
	}
	var threads []Thread
	if err := q.Find(&threads).Error; err != nil {
		ginContextLogger(c).Error("error listing threads", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, threads)
}

// getThread returns a user's most recent thread with its message log.
func (a *API) getThread(c *gin.Context) {
	userID := c.Param("userID")
	var thread Thread
	err := a.mm.db.WithContext(c.Request.Context()).
		Preload("Messages").
		Where("user_id = ?", userID).
		Order("created_at desc").
		First(&thread).Error
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			gin.H{"error": "no thread for user"},
		)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (a *API) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, a.mm.settings.Get())
}

// updateSettings applies a partial settings update. Unknown fields are
// rejected, nil fields are left as-is, and the result is persisted
// before responding.
func (a *API) updateSettings(c *gin.Context) {
	var update SettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			gin.H{"error": err.Error()},
		)
		return
	}
	if err := structValidator.Struct(update); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			gin.H{"error": err.Error()},
		)
		return
	}
	a.mm.settings.Apply(update)
	if update.Status != nil {
		if err := a.mm.discord.updateCustomStatus(*update.Status); err != nil {
			ginContextLogger(c).Warn("error updating status", tint.Err(err))
		}
	}
	ginContextLogger(c).Info("settings updated", "settings", a.mm.settings.Get())
	c.JSON(http.StatusOK, a.mm.settings.Get())
}

func (a *API) unblockUser(c *gin.Context) {
	userID := c.Param("userID")
	unblocked := a.mm.settings.Unblock(userID)
	if !unblocked {
		c.JSON(
			http.StatusOK,
			gin.H{"user_id": userID, "unblocked": false},
		)
		return
	}
	ginContextLogger(c).Info("user unblocked", "user_id", userID)
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "unblocked": true})
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests, including duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}
