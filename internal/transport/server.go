package transport

import (
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/breaker"
	"conductor/internal/confirm"
	"conductor/internal/logging"
	"conductor/internal/scheduler"
)

// Server is the HTTP surface of the orchestration core.
type Server struct {
	engine      *gin.Engine
	broadcaster *Broadcaster
	gate        *confirm.Gate
	breaker     *breaker.Breaker
	tasks       scheduler.TaskStore
	loop        *scheduler.Loop
	logger      logging.Logger
}

// Deps bundles the server's collaborators. Broadcaster is required; the
// rest may be nil, which disables their routes.
type Deps struct {
	Broadcaster *Broadcaster
	Gate        *confirm.Gate
	Breaker     *breaker.Breaker
	Tasks       scheduler.TaskStore
	Loop        *scheduler.Loop
	Logger      logging.Logger
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:      gin.New(),
		broadcaster: deps.Broadcaster,
		gate:        deps.Gate,
		breaker:     deps.Breaker,
		tasks:       deps.Tasks,
		loop:        deps.Loop,
		logger:      logging.OrNop(deps.Logger),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("http server listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/events", s.streamEvents)

	api := s.engine.Group("/api")
	if s.gate != nil {
		api.GET("/confirmations", s.listConfirmations)
		api.POST("/confirmations/:id", s.resolveConfirmation)
	}
	if s.breaker != nil {
		api.GET("/breaker", s.breakerState)
	}
	if s.tasks != nil {
		api.POST("/tasks", s.createTask)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
	}
	if s.loop != nil {
		api.POST("/cycle", s.runCycle)
	}
}

// streamEvents serves the SSE feed of action lifecycle events.
func (s *Server) streamEvents(c *gin.Context) {
	events, detach := s.broadcaster.subscribe()
	defer detach()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Prime the connection so clients receive the response headers right
	// away instead of blocking until the first event or keepalive tick.
	c.SSEvent("ping", time.Now().Unix())
	c.Writer.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case data, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("action_event", string(data))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) listConfirmations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"confirmations": s.gate.Pending()})
}

type resolveRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) resolveConfirmation(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := s.gate.Resolve(c.Request.Context(), c.Param("id"), req.Approved)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusNotFound
	}
	c.JSON(status, result)
}

func (s *Server) breakerState(c *gin.Context) {
	snapshots := s.breaker.Snapshots()
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].AgentID < snapshots[j].AgentID })
	c.JSON(http.StatusOK, gin.H{"circuits": snapshots})
}

type createTaskRequest struct {
	OwnerID     string    `json:"owner_id" binding:"required"`
	AgentID     string    `json:"agent_id"`
	Title       string    `json:"title" binding:"required"`
	Instruction string    `json:"instruction" binding:"required"`
	Priority    string    `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	MaxRetries  int       `json:"max_retries"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = time.Now()
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}
	task := &scheduler.Task{
		OwnerID:     req.OwnerID,
		AgentID:     req.AgentID,
		Title:       req.Title,
		Instruction: req.Instruction,
		Priority:    req.Priority,
		Status:      scheduler.TaskScheduled,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
	}
	if err := s.tasks.Create(c.Request.Context(), task); err != nil {
		s.logger.Error("task creation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner query parameter is required"})
		return
	}
	tasks, err := s.tasks.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		s.logger.Error("task listing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) runCycle(c *gin.Context) {
	stats, err := s.loop.RunCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": stats})
		return
	}
	c.JSON(http.StatusOK, stats)
}
