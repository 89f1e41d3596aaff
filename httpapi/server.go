// Package httpapi exposes a fleeting.Manager over HTTP: uploads, downloads
// and early deletion, behind a CORS allow-list.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"impractical.co/fleeting"
	"yall.in"
)

// DefaultMaxFiles is how many files one upload may carry when Config.MaxFiles
// is unset.
const DefaultMaxFiles = 10

// Config represents the settings of the HTTP surface.
type Config struct {
	// BaseURL is prepended to the links returned for uploads. When
	// empty, links are built from the request's scheme and Host.
	BaseURL string

	// AllowedOrigins lists the origins allowed to make cross-origin
	// requests. When empty, cross-origin requests get no CORS headers.
	AllowedOrigins []string

	// MaxFiles caps the number of files in one upload.
	MaxFiles int

	// Upload restricts what may be uploaded.
	Upload fleeting.UploadOptions

	// Clock decides when a file has expired. Defaults to time.Now.
	Clock func() time.Time
}

// fileSystemer is implemented by Storers that can serve their blobs
// directly, like localfs.Storer.
type fileSystemer interface {
	HTTPFileSystem() http.FileSystem
}

// Server handles the HTTP API.
type Server struct {
	manager *fleeting.Manager
	storer  fleeting.Storer
	cfg     Config
	now     func() time.Time
}

// New returns an http.Handler serving the API for manager, whose blobs live
// in storer. Every request gets a child of log in its context.
func New(log *yall.Logger, manager *fleeting.Manager, storer fleeting.Storer, cfg Config) (http.Handler, error) {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	s := &Server{
		manager: manager,
		storer:  storer,
		cfg:     cfg,
		now:     cfg.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	if len(cfg.AllowedOrigins) > 0 {
		corsConfig := cors.Config{
			AllowOrigins:  cfg.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type"},
			ExposeHeaders: []string{"Content-Length", requestIDHeader},
			MaxAge:        12 * time.Hour,
		}
		if err := corsConfig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid CORS settings: %w", err)
		}
		engine.Use(cors.New(corsConfig))
	}

	engine.GET("/healthz", s.health)
	engine.POST("/upload", s.upload)
	engine.GET("/files/:filename", s.download)
	engine.HEAD("/files/:filename", s.download)
	engine.DELETE("/files/:filename", s.delete)
	if fs, ok := storer.(fileSystemer); ok {
		engine.StaticFS("/uploads", fs.HTTPFileSystem())
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return engine, nil
}

func (s *Server) health(c *gin.Context) {
	records, err := s.manager.Records(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "records": len(records)})
}
