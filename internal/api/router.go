package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desnarong/thepixstock-api/internal/api/handlers"
	"github.com/desnarong/thepixstock-api/internal/api/ws"
	"github.com/desnarong/thepixstock-api/internal/auth"
	"github.com/desnarong/thepixstock-api/internal/faceindex"
	"github.com/desnarong/thepixstock-api/internal/queue"
	"github.com/desnarong/thepixstock-api/internal/search"
	"github.com/desnarong/thepixstock-api/internal/storage"
)

type RouterConfig struct {
	APIKey      string
	DB          *storage.PostgresStore
	MinIO       *storage.MinIOStore
	Producer    *queue.Producer
	Hub         *ws.Hub
	Indexes     *faceindex.Manager
	Cache       *search.Cache
	Search      *search.Service
	MaxAttempts int
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAPIKey(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Photo submission & jobs
	photoH := handlers.NewPhotoHandler(cfg.DB, cfg.MinIO, cfg.Producer, cfg.MaxAttempts)
	v1.POST("/events/:id/photos", photoH.Submit)

	jobH := handlers.NewJobHandler(cfg.DB)
	v1.GET("/jobs/:id", jobH.Get)
	v1.GET("/events/:id/jobs", jobH.ListByEvent)

	// Search
	searchH := handlers.NewSearchHandler(cfg.Search)
	v1.POST("/events/:id/search", searchH.ByImage)
	v1.POST("/events/:id/search/vector", searchH.ByVector)

	// Event lifecycle
	eventH := handlers.NewEventHandler(cfg.DB, cfg.Indexes, cfg.Cache, cfg.Search)
	v1.GET("/events/:id/stats", eventH.Stats)
	v1.POST("/events/:id/close", eventH.Close)
	v1.PUT("/events/:id/threshold", eventH.SetThreshold)

	return r
}
