// Package api is the browser-facing HTTP layer of the proxy: upload and
// question endpoints backed by tool calls against the supervised tool server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/pdfqa/pdfqa/pkg/filestore"
	"github.com/pdfqa/pdfqa/pkg/log"
)

// Backend is the proxy's view of the tool server client.
type Backend interface {
	CallTool(ctx context.Context, name string, args any) (json.RawMessage, error)
	Healthy() bool
}

type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	MaxUploadMB     int64
	MaxInflight     int64
	ToolCallTimeout time.Duration
	TopK            int
	Version         string
}

// Server wires the gin router, the upload store and the tool server backend.
type Server struct {
	cfg     Config
	backend Backend
	store   *filestore.Store
	router  *gin.Engine
	srv     *http.Server
	logger  *slog.Logger
	started time.Time

	inflight *semaphore.Weighted
}

func NewServer(cfg Config, backend Backend, store *filestore.Store) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		store:    store,
		logger:   log.WithModule("api"),
		started:  time.Now(),
		inflight: semaphore.NewWeighted(cfg.MaxInflight),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.limitInflight())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/", s.handleHealth)
	router.POST("/upload", s.handleUpload)
	router.POST("/ask/:pdf_id", s.handleAsk)
	router.POST("/ask-multiple/:pdf_id", s.handleAskMultiple)
	router.GET("/pdfs", s.handleListPDFs)
	router.DELETE("/pdf/:pdf_id", s.handleDeletePDF)

	s.router = router
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown failed", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return <-errCh
}

// callCtx bounds one tool call with the configured timeout.
func (s *Server) callCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ToolCallTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.cfg.ToolCallTimeout)
	}
	return context.WithCancel(c.Request.Context())
}
