package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/rs/xid"
	"gorm.io/gorm"
)

// AgentSummary is the admin view of one agent.
type AgentSummary struct {
	Identity        string     `json:"identity"`
	Hostname        string     `json:"hostname"`
	OS              string     `json:"os,omitempty"`
	Arch            string     `json:"arch,omitempty"`
	AgentVersion    string     `json:"agent_version,omitempty"`
	LastSeen        time.Time  `json:"last_seen"`
	LastTelemetryAt *time.Time `json:"last_telemetry_at,omitempty"`
	SecretExpiresAt *time.Time `json:"secret_expires_at,omitempty"`
	Refreshes       int        `json:"refreshes"`
	PendingTasks    int64      `json:"pending_tasks"`
	EnrolledAt      time.Time  `json:"enrolled_at"`
}

type queueTaskRequest struct {
	Kind           string          `json:"kind" binding:"required"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
	Priority       int             `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin/agents", s.requireAdmin)
	admin.GET("", s.handleListAgents)
	admin.GET("/:identity", s.handleGetAgent)
	admin.DELETE("/:identity", s.handleDeleteAgent)
	admin.POST("/:identity/tasks", s.handleQueueTask)
	admin.GET("/:identity/results", s.handleListResults)
	r.GET("/v1/admin/stats", s.requireAdmin, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rate_limiter": s.rateLimiter.Stats()})
	})
}

func (s *Server) summary(c *gin.Context, a AgentRecord) AgentSummary {
	var pending int64
	s.db.WithContext(c.Request.Context()).Model(&QueuedTask{}).
		Where("agent_identity = ? AND delivered_at IS NULL", a.Identity).Count(&pending)
	return AgentSummary{
		Identity:        a.Identity,
		Hostname:        a.Hostname,
		OS:              a.OS,
		Arch:            a.Arch,
		AgentVersion:    a.AgentVersion,
		LastSeen:        a.LastSeen,
		LastTelemetryAt: a.LastTelemetryAt,
		SecretExpiresAt: a.SecretExpiresAt,
		Refreshes:       a.Refreshes,
		PendingTasks:    pending,
		EnrolledAt:      a.CreatedAt,
	}
}

func (s *Server) handleListAgents(c *gin.Context) {
	var agents []AgentRecord
	if err := s.db.WithContext(c.Request.Context()).Order("last_seen desc").Find(&agents).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list agents", s.logger)
		return
	}
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.summary(c, a))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) loadAgent(c *gin.Context) (*AgentRecord, bool) {
	var agent AgentRecord
	err := s.db.WithContext(c.Request.Context()).Where("identity = ?", c.Param("identity")).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", s.logger)
		return nil, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load agent", s.logger)
		return nil, false
	}
	return &agent, true
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, ok := s.loadAgent(c)
	if !ok {
		return
	}
	resp := gin.H{"agent": s.summary(c, *agent)}
	if agent.Snapshot != "" {
		resp["snapshot"] = json.RawMessage(agent.Snapshot)
	}
	if agent.Telemetry != "" {
		resp["telemetry"] = json.RawMessage(agent.Telemetry)
	}
	c.JSON(http.StatusOK, resp)
}

// handleDeleteAgent forgets an agent and its queue. Its next call gets 404.
func (s *Server) handleDeleteAgent(c *gin.Context) {
	agent, ok := s.loadAgent(c)
	if !ok {
		return
	}
	err := s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_identity = ? AND delivered_at IS NULL", agent.Identity).Delete(&QueuedTask{}).Error; err != nil {
			return err
		}
		return tx.Delete(agent).Error
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to delete agent", s.logger)
		return
	}
	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("identity", agent.Identity).Msg("Agent removed")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQueueTask(c *gin.Context) {
	agent, ok := s.loadAgent(c)
	if !ok {
		return
	}
	var req queueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	warning, err := lintTask(tasks.Kind(req.Kind), req.Payload)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	queued := QueuedTask{
		TaskID:         "task-" + xid.New().String(),
		AgentIdentity:  agent.Identity,
		Kind:           req.Kind,
		Payload:        string(req.Payload),
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&queued).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to queue task", s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("identity", agent.Identity).Str("task_id", queued.TaskID).Str("kind", queued.Kind).Msg("Task queued")
	resp := gin.H{"task": queued.task()}
	if warning != "" {
		resp["warning"] = warning
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleListResults(c *gin.Context) {
	agent, ok := s.loadAgent(c)
	if !ok {
		return
	}
	var results []TaskResultRecord
	if err := s.db.WithContext(c.Request.Context()).Where("agent_identity = ?", agent.Identity).
		Order("received_at desc").Limit(100).Find(&results).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list results", s.logger)
		return
	}
	c.JSON(http.StatusOK, results)
}

var errUnknownKind = errors.New("unknown task kind")

// lintTask rejects tasks no agent could decode and warns about commands the
// agent's denylist will refuse.
func lintTask(kind tasks.Kind, payload json.RawMessage) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", errors.New("payload must be a JSON object")
	}
	switch kind {
	case tasks.KindCommand:
		var p tasks.CommandPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Command == "" {
			return "", errors.New("command payload needs a command")
		}
		var derr error
		if len(p.Args) > 0 {
			derr = tasks.CheckArgs(append([]string{p.Command}, p.Args...))
		} else {
			derr = tasks.CheckShell(p.Command)
		}
		if derr != nil {
			return "agent will refuse this command: " + derr.Error(), nil
		}
	case tasks.KindScript:
		var p tasks.ScriptPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Script == "" {
			return "", errors.New("script payload needs a script")
		}
	case tasks.KindInstall, tasks.KindPolicy:
	default:
		return "", errUnknownKind
	}
	return "", nil
}
