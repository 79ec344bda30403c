package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opsdash/console/internal/auth"
	"github.com/opsdash/console/internal/metricsdb"
	"github.com/opsdash/console/internal/realtime"
	"github.com/opsdash/console/internal/upstream"
)

const (
	accountHeader  = "X-Account"
	authHeader     = "X-Auth"
	authContextKey = "console_auth"
)

var (
	errMissingUpstreamClient = errors.New("upstream client dependency required")
	errMissingHub            = errors.New("realtime hub dependency required")
	errMissingMetricsStore   = errors.New("metrics store dependency required")
	errMissingInspector      = errors.New("token inspector dependency required")
)

// Dependencies bundles the collaborators of the HTTP surface.
type Dependencies struct {
	Upstream    *upstream.Client
	Hub         *realtime.Hub
	Metrics     *metricsdb.Store
	Inspector   *auth.Inspector
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewHTTPHandler assembles the console router: the login proxy, the
// authenticated object proxy, the metrics query endpoint and the realtime
// upgrade route.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Upstream == nil {
		return nil, errMissingUpstreamClient
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Metrics == nil {
		return nil, errMissingMetricsStore
	}
	if deps.Inspector == nil {
		return nil, errMissingInspector
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{accountHeader, authHeader, "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		upstream:  deps.Upstream,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		inspector: deps.Inspector,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/login", handler.handleLogin)
	router.GET("/ws", func(c *gin.Context) {
		deps.Hub.HandleUpgrade(c.Writer, c.Request)
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/metrics/series", handler.handleMetricsSeries)

	objects := protected.Group("/api/v1")
	objects.GET("/:objectType", handler.handleList)
	objects.POST("/:objectType", handler.handleCreate)
	objects.GET("/:objectType/:id", handler.handleFetch)
	objects.PATCH("/:objectType/:id", handler.handleUpdate)
	objects.DELETE("/:objectType/:id", handler.handleDelete)

	return router, nil
}

type httpHandler struct {
	upstream  *upstream.Client
	hub       *realtime.Hub
	metrics   *metricsdb.Store
	inspector *auth.Inspector
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.hub.Registry().Len(),
	})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.upstream.Login(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, upstream.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Warn("login proxy failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "auth_service_unavailable"})
		return
	}
	c.Data(http.StatusOK, "application/json", response)
}

// authorizeRequest requires the X-Account and X-Auth headers and rejects
// tokens that are malformed or locally past their expiry claim. The upstream
// services make the authoritative decision on every forwarded call.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	accountID := strings.TrimSpace(c.GetHeader(accountHeader))
	token := strings.TrimSpace(c.GetHeader(authHeader))
	if accountID == "" || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credentials"})
		return
	}
	if err := h.inspector.CheckFresh(token); err != nil {
		h.logger.Warn("rejecting stale session token", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(authContextKey, upstream.Auth{AccountID: accountID, Token: token})
	c.Next()
}

func requestAuth(c *gin.Context) upstream.Auth {
	value, _ := c.Get(authContextKey)
	authValue, _ := value.(upstream.Auth)
	return authValue
}

func (h *httpHandler) handleList(c *gin.Context) {
	response, err := h.upstream.ListObjects(c.Request.Context(), requestAuth(c),
		c.Param("objectType"), c.Request.URL.Query())
	h.relay(c, response, err)
}

func (h *httpHandler) handleFetch(c *gin.Context) {
	response, err := h.upstream.FetchObject(c.Request.Context(), requestAuth(c),
		c.Param("objectType"), c.Param("id"))
	h.relay(c, response, err)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	response, err := h.upstream.CreateObject(c.Request.Context(), requestAuth(c),
		c.Param("objectType"), body)
	h.relay(c, response, err)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	response, err := h.upstream.UpdateObject(c.Request.Context(), requestAuth(c),
		c.Param("objectType"), c.Param("id"), c.Request.URL.Query(), body)
	h.relay(c, response, err)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	err := h.upstream.DeleteObject(c.Request.Context(), requestAuth(c),
		c.Param("objectType"), c.Param("id"))
	if err != nil {
		h.relayError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) relay(c *gin.Context, response []byte, err error) {
	if err != nil {
		h.relayError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", response)
}

func (h *httpHandler) relayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upstream.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, upstream.ErrExpiredCredential):
		c.JSON(http.StatusForbidden, gin.H{"error": "expired_credential"})
	case errors.Is(err, upstream.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Warn("upstream proxy call failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
	}
}

func (h *httpHandler) handleMetricsSeries(c *gin.Context) {
	query := metricsdb.SeriesQuery{
		Series:   c.Query("series"),
		ObjectID: c.Query("objectId"),
	}
	if raw := c.Query("from"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
			return
		}
		query.From = time.Unix(seconds, 0).UTC()
	}
	if raw := c.Query("to"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
			return
		}
		query.To = time.Unix(seconds, 0).UTC()
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		query.Limit = limit
	}

	samples, err := h.metrics.SeriesWindow(c.Request.Context(), query)
	if err != nil {
		if errors.Is(err, metricsdb.ErrInvalidQuery) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
			return
		}
		h.logger.Error("metrics query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics_unavailable"})
		return
	}

	results := make([]seriesSamplePayload, 0, len(samples))
	for _, sample := range samples {
		results = append(results, seriesSamplePayload{
			Series:           sample.Series,
			ObjectID:         sample.ObjectID,
			TimestampSeconds: sample.TimestampSeconds,
			Value:            sample.Value,
		})
	}
	c.JSON(http.StatusOK, gin.H{"samples": results})
}

type seriesSamplePayload struct {
	Series           string  `json:"series"`
	ObjectID         string  `json:"object_id,omitempty"`
	TimestampSeconds int64   `json:"timestamp_s"`
	Value            float64 `json:"value"`
}
