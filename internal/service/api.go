package service

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/store"
)

type startRequest struct {
	ContextID string `json:"context_id" binding:"required"`
	Goal      string `json:"goal" binding:"required"`
}

type settingRequest struct {
	Value string `json:"value"`
}

// taskResponse pairs the live status with the latest task of a context.
type taskResponse struct {
	Status schemas.StatusView `json:"status"`
	Task   *schemas.Task      `json:"task,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// API serves the control endpoints.
type API struct {
	components *Components
	secretKey  string
	logger     *zap.Logger
}

// NewRouter builds the gin engine for the control API.
func NewRouter(c *Components, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	api := &API{
		components: c,
		secretKey:  cfg.Session.CredentialKey,
		logger:     logger.Named("api"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), api.accessLog(), corsMiddleware(cfg.Server.CORSOrigins))

	router.GET("/healthz", api.health)
	router.GET("/metrics", gin.WrapH(c.Metrics.Handler()))
	router.GET("/ws", gin.WrapH(c.Hub))

	router.POST("/tasks", api.startTask)
	router.GET("/tasks/:context", api.getTask)
	router.DELETE("/tasks/:context", api.stopTask)
	router.GET("/archive/:id", api.archivedTask)

	router.GET("/settings/:key", api.getSetting)
	router.PUT("/settings/:key", api.putSetting)
	router.DELETE("/settings/:key", api.deleteSetting)
	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Accept", "Origin"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// accessLog records every request in the log and the metrics.
func (a *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		if m := a.components.Metrics; m != nil {
			m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		a.logger.Debug("Request served.",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		)
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "listeners": a.components.Hub.Clients()})
}

func (a *API) startTask(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	res := a.components.Orchestrator.StartTask(c.Request.Context(), req.ContextID, req.Goal)
	if !res.Accepted {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (a *API) getTask(c *gin.Context) {
	contextID := c.Param("context")
	resp := taskResponse{Status: a.components.Orchestrator.GetStatus(contextID)}
	if task, ok := a.components.Orchestrator.Task(contextID); ok {
		resp.Task = &task
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) stopTask(c *gin.Context) {
	contextID := c.Param("context")
	a.components.Orchestrator.StopTask(contextID)
	c.JSON(http.StatusOK, a.components.Orchestrator.GetStatus(contextID))
}

func (a *API) archivedTask(c *gin.Context) {
	task, err := a.components.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// getSetting never echoes the credential; it only reports whether one is set.
func (a *API) getSetting(c *gin.Context) {
	key := c.Param("key")
	value, err := a.components.Settings.Get(c.Request.Context(), key)
	if err != nil {
		a.storeError(c, err)
		return
	}
	if key == a.secretKey {
		c.JSON(http.StatusOK, gin.H{"key": key, "set": value != ""})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (a *API) putSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := a.components.Settings.Set(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		a.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) deleteSetting(c *gin.Context) {
	if err := a.components.Settings.Delete(c.Request.Context(), c.Param("key")); err != nil {
		a.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	a.logger.Error("Store request failed.", zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
}
