package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"photoingest/internal/batch"
	"photoingest/internal/ingest"
	"photoingest/internal/logging"
	"photoingest/internal/models"
	"photoingest/internal/objectstore"
)

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	svc      *ingest.Service
	notifier *batch.Notifier
	// objects is set only when the in-process object store backs uploads.
	objects *objectstore.Memory
	log     zerolog.Logger
}

func NewServer(cfg *models.Config, svc *ingest.Service, notifier *batch.Notifier, objects *objectstore.Memory, log zerolog.Logger) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(log))

	s := &Server{
		cfg:      cfg,
		router:   r,
		svc:      svc,
		notifier: notifier,
		objects:  objects,
		log:      log.With().Str("component", "http").Logger(),
	}

	auth := AuthMiddleware(cfg.JWTSecret)
	optional := OptionalAuthMiddleware(cfg.JWTSecret)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/pre-upload", auth, s.handlePreUpload)
	r.POST("/finalize", auth, s.handleFinalize)
	r.POST("/upload", auth, s.handleLegacyUpload)
	r.PATCH("/batch/replace", auth, s.handleBatchReplace)
	r.POST("/bulk-upload-notification", auth, s.handleBulkNotification)

	r.GET("/images", s.handleListPublic)
	r.GET("/me/images", auth, s.handleListOwner)
	r.GET("/images/:id", optional, s.handleGetImage)
	r.GET("/images/:id/download", optional, s.handleDownload)
	r.PATCH("/images/:id", auth, s.handleEditImage)
	r.DELETE("/images/:id", auth, s.handleDeleteImage)
	r.POST("/images/:id/reprocess", auth, s.handleReprocess)

	if objects != nil {
		r.PUT("/objects/*key", s.handlePutObject)
		r.GET("/objects/*key", s.handleGetObject)
	}

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ServerAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
