// Package httpserver receives Telegram webhook deliveries
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	logging "ton-club-bot/internal/infra/log"
)

// SecretHeader carries the secret_token registered with setWebhook
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type Options struct {
	Host        string
	Port        int
	Path        string // webhook route, the bot token by default
	SecretToken string
	Debug       bool
	Buffer      int // queued updates before the handler blocks
}

type Server struct {
	opts       Options
	router     *gin.Engine
	updates    chan tgbotapi.Update
	httpServer *http.Server
}

func New(opts Options) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	opts.Path = strings.Trim(opts.Path, "/")
	if opts.Path == "" {
		opts.Path = "webhook"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 100
	}

	s := &Server{
		opts:    opts,
		updates: make(chan tgbotapi.Update, opts.Buffer),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	// tokens contain ':' so the hook segment is matched in the handler, not by the router
	router.POST("/:hook", s.webhook)
	s.router = router
	return s
}

// Updates yields decoded webhook deliveries
func (s *Server) Updates() <-chan tgbotapi.Update {
	return s.updates
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) webhook(c *gin.Context) {
	if subtle.ConstantTimeCompare([]byte(c.Param("hook")), []byte(s.opts.Path)) != 1 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if s.opts.SecretToken != "" {
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.SecretToken)) != 1 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}

	select {
	case s.updates <- update:
		c.Status(http.StatusOK)
	case <-c.Request.Context().Done():
		c.AbortWithStatus(http.StatusServiceUnavailable)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := logging.GenerateRequestID()
		endpoint := c.Request.URL.Path
		if c.Request.Method == http.MethodPost {
			// the route embeds the bot token
			endpoint = "webhook"
		}
		started := time.Now()
		logging.LogRequest(requestID, c.Request.Method, endpoint)

		c.Next()

		logging.LogResponse(requestID, c.Writer.Status(), time.Since(started).Milliseconds(),
			zap.String("endpoint", endpoint))
	}
}

// Start blocks until the server stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logging.LogInfo("Starting webhook server", zap.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	logging.LogInfo("Shutting down webhook server")
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	return nil
}
