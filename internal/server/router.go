// Package server exposes the local data layer over HTTP to the UI and the sync driver.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/attachments"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/mutation"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/query"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/syncqueue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	driverContextKey         = "fieldcare_sync_driver"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingQueryEngine = errors.New("query engine dependency required")
	errMissingMutations   = errors.New("mutation service dependency required")
	errMissingSyncQueue   = errors.New("sync queue dependency required")
	errMissingAttachments = errors.New("attachment cache dependency required")
	errMissingChangeFeed  = errors.New("change feed dependency required")
)

type Dependencies struct {
	Queries     *query.Engine
	Mutations   *mutation.Service
	SyncQueue   *syncqueue.Queue
	Attachments *attachments.Cache
	ChangeFeed  *changefeed.Dispatcher
	// SyncTokens guards the sync driver endpoints. Nil leaves them open.
	SyncTokens        *auth.Validator
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queries == nil {
		return nil, errMissingQueryEngine
	}
	if deps.Mutations == nil {
		return nil, errMissingMutations
	}
	if deps.SyncQueue == nil {
		return nil, errMissingSyncQueue
	}
	if deps.Attachments == nil {
		return nil, errMissingAttachments
	}
	if deps.ChangeFeed == nil {
		return nil, errMissingChangeFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		queries:     deps.Queries,
		mutations:   deps.Mutations,
		syncQueue:   deps.SyncQueue,
		attachments: deps.Attachments,
		changeFeed:  deps.ChangeFeed,
		syncTokens:  deps.SyncTokens,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.NoRoute(handler.handleNotFound)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	nodes := router.Group("/sw/nodes")
	nodes.GET("/:type", handler.handleIndex)
	nodes.GET("/:type/:ids", handler.handleView)
	nodes.POST("/:type", handler.handleCreate)
	// An id segment on create is ignored; the store assigns the uuid.
	nodes.POST("/:type/:ids", handler.handleCreate)
	nodes.PUT("/:type/:ids", handler.handleReplace)
	nodes.PATCH("/:type/:ids", handler.handlePatch)
	nodes.DELETE("/:type/:ids", handler.handleDelete)

	syncRoutes := router.Group("/sw")
	syncRoutes.Use(handler.authorizeSync)
	syncRoutes.POST("/sync/ingest", handler.handleIngest)
	syncRoutes.PUT("/sync/attempt/:uuid", handler.handleSetAttempt)
	syncRoutes.GET("/outbox/:scope", handler.handleListChanges)
	syncRoutes.DELETE("/outbox/:scope/:ids", handler.handleConfirmChanges)
	syncRoutes.GET("/photo-uploads/:scope", handler.handlePendingPhotoUploads)
	syncRoutes.PATCH("/photo-uploads/:scope/:localId", handler.handleMarkPhotoUploaded)
	syncRoutes.GET("/deferred-photos", handler.handleNextDeferredPhoto)
	syncRoutes.PATCH("/deferred-photos/:uuid", handler.handleUpdateDeferredPhoto)
	syncRoutes.DELETE("/deferred-photos/:uuid", handler.handleRemoveDeferredPhoto)
	syncRoutes.POST("/photo-cache", handler.handlePopulatePhoto)
	syncRoutes.GET("/events", handler.handleEvents)

	router.POST(attachments.UploadPathPrefix, handler.handleCaptureUpload)
	router.GET(attachments.UploadPathPrefix+"/:id", handler.handleServeUpload)
	router.GET(attachments.FilesPathPrefix+"*path", handler.handleServePhoto)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Location"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	queries     *query.Engine
	mutations   *mutation.Service
	syncQueue   *syncqueue.Queue
	attachments *attachments.Cache
	changeFeed  *changefeed.Dispatcher
	syncTokens  *auth.Validator
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) authorizeSync(c *gin.Context) {
	if h.syncTokens == nil {
		c.Next()
		return
	}
	claims, err := h.syncTokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("sync token validation failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(driverContextKey, claims.Driver)
	c.Next()
}

func (h *httpHandler) handleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}
