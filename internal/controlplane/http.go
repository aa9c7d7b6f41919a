package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/httpmw"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Handlers owns the control plane's HTTP API.
type Handlers struct {
	server *Server
	logger *logger.Logger
}

// NewHandlers creates the HTTP handler set for the given server.
func NewHandlers(srv *Server, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Nop()
	}
	return &Handlers{
		server: srv,
		logger: log.WithFields(zap.String("component", "controlplane-handlers")),
	}
}

// NewRouter builds a gin engine with middleware and all control plane
// routes registered.
func NewRouter(srv *Server, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS(srv.Config().CORSOrigins))
	router.Use(httpmw.RequestLogger(log, "controlplane"))
	router.Use(httpmw.OtelTracing("controlplane"))
	NewHandlers(srv, log).RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches every route to the router.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	router.GET("/", h.httpHome)
	router.GET("/health", h.httpHealth)
	router.GET("/queue_config", h.httpQueueConfig)

	router.POST("/services/register", h.httpRegisterService)
	router.POST("/services/deregister", h.httpDeregisterService)
	router.GET("/services", h.httpListServices)
	router.GET("/services/:name", h.httpGetService)

	router.POST("/sessions/create", h.httpCreateSession)
	router.GET("/sessions", h.httpListSessions)
	router.GET("/sessions/:sid", h.httpGetSession)
	router.POST("/sessions/:sid/delete", h.httpDeleteSession)
	router.POST("/sessions/:sid/tasks", h.httpAddTask)
	router.GET("/sessions/:sid/tasks", h.httpSessionTasks)
	router.GET("/sessions/:sid/current_task", h.httpCurrentTask)
	router.GET("/sessions/:sid/tasks/:tid/result", h.httpTaskResult)
	router.GET("/sessions/:sid/tasks/:tid/result_stream", h.httpTaskResultStream)
	router.POST("/sessions/:sid/tasks/:tid/send_event", h.httpSendEvent)
	router.GET("/sessions/:sid/state", h.httpGetSessionState)
	router.POST("/sessions/:sid/state", h.httpUpdateSessionState)
}

// respondError translates domain errors into HTTP statuses. Unknown
// resources are 404, client mistakes 400, everything else 500.
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSessionMismatch), errors.Is(err, ErrProtocol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handlers) httpHome(c *gin.Context) {
	cfg := h.server.Config()
	c.JSON(http.StatusOK, gin.H{
		"running":            cfg.Running,
		"step_interval":      cfg.StepInterval,
		"services_store_key": cfg.ServicesStoreKey,
		"tasks_store_key":    cfg.TasksStoreKey,
		"session_store_key":  cfg.SessionStoreKey,
	})
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "controlplane"})
}

func (h *Handlers) httpQueueConfig(c *gin.Context) {
	c.JSON(http.StatusOK, queue.HandshakePayload(h.server.Queue().AsConfig()))
}

func (h *Handlers) httpRegisterService(c *gin.Context) {
	var def types.ServiceDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	cfg, err := h.server.RegisterService(c.Request.Context(), &def)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handlers) httpDeregisterService(c *gin.Context) {
	serviceName := c.Query("service_name")
	if serviceName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_name is required"})
		return
	}
	if err := h.server.DeregisterService(c.Request.Context(), serviceName); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deregistered": serviceName})
}

func (h *Handlers) httpListServices(c *gin.Context) {
	services, err := h.server.ListServices(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, services)
}

func (h *Handlers) httpGetService(c *gin.Context) {
	def, err := h.server.GetService(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handlers) httpCreateSession(c *gin.Context) {
	sessionID, err := h.server.CreateSession(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionID)
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	sessions, err := h.server.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	session, err := h.server.GetSession(c.Request.Context(), c.Param("sid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handlers) httpDeleteSession(c *gin.Context) {
	if err := h.server.DeleteSession(c.Request.Context(), c.Param("sid")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("sid")})
}

func (h *Handlers) httpAddTask(c *gin.Context) {
	var task types.TaskDefinition
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	taskID, err := h.server.AddTaskToSession(c.Request.Context(), c.Param("sid"), &task)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskID)
}

func (h *Handlers) httpSessionTasks(c *gin.Context) {
	tasks, err := h.server.SessionTasks(c.Request.Context(), c.Param("sid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handlers) httpCurrentTask(c *gin.Context) {
	task, err := h.server.CurrentTask(c.Request.Context(), c.Param("sid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) httpTaskResult(c *gin.Context) {
	result, err := h.server.GetTaskResult(c.Request.Context(), c.Param("sid"), c.Param("tid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpSendEvent(c *gin.Context) {
	var event types.EventDefinition
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err := h.server.SendEvent(c.Request.Context(), c.Param("sid"), c.Param("tid"), &event)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (h *Handlers) httpGetSessionState(c *gin.Context) {
	state, err := h.server.GetSessionState(c.Request.Context(), c.Param("sid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpUpdateSessionState(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.server.UpdateSessionState(c.Request.Context(), c.Param("sid"), updates); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
