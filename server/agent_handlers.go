package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/transport"
	"gorm.io/gorm"
)

func (s *Server) registerAgentRoutes(r *gin.Engine) {
	byAgent := func(c *gin.Context) string { return c.GetHeader(transport.HeaderAgentID) }
	limit := s.rateLimited("agent", s.agentRateLimit, time.Minute, byAgent)

	authed := s.requireAgent(false)
	r.POST(transport.PathCheckIn, limit, authed, s.handleCheckIn)
	r.POST(transport.PathTaskResult, limit, authed, s.handleTaskResult)
	r.POST(transport.PathTelemetry, limit, authed, s.handleTelemetry)

	// Refresh accepts an expired secret so a lapsed agent can recover.
	r.POST(transport.PathRefresh, limit, s.requireAgent(true), s.handleRefresh)
}

// requireAgent authenticates the bearer secret for X-Agent-ID. An unknown
// identity is 404, which tells the agent to forget its credential.
func (s *Server) requireAgent(allowExpired bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetHeader(transport.HeaderAgentID)
		authz := c.GetHeader("Authorization")
		if identity == "" || !strings.HasPrefix(authz, "Bearer ") {
			respondError(c, http.StatusUnauthorized, "missing authentication headers", s.logger)
			return
		}

		var agent AgentRecord
		if err := s.db.WithContext(c.Request.Context()).Where("identity = ?", identity).First(&agent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondError(c, http.StatusNotFound, "agent not found", s.logger)
				return
			}
			respondError(c, http.StatusInternalServerError, "failed to load agent", s.logger)
			return
		}
		if !s.hasher.Matches(strings.TrimPrefix(authz, "Bearer "), agent.SecretHash) {
			respondError(c, http.StatusUnauthorized, "invalid secret", s.logger)
			return
		}
		if !allowExpired && agent.SecretExpiresAt != nil && !s.now().Before(*agent.SecretExpiresAt) {
			respondError(c, http.StatusUnauthorized, "secret expired", s.logger)
			return
		}

		c.Set(agentContextKey, &agent)
		c.Next()
	}
}

func (s *Server) handleCheckIn(c *gin.Context) {
	agent := currentAgent(c)
	var req struct {
		Identity string          `json:"identity"`
		Snapshot json.RawMessage `json:"snapshot"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Identity != agent.Identity {
		respondError(c, http.StatusBadRequest, "identity does not match credential", s.logger)
		return
	}

	now := s.now().UTC()
	var queued []QueuedTask
	err := s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"last_seen": now}
		if len(req.Snapshot) > 0 && string(req.Snapshot) != "null" {
			updates["snapshot"] = string(req.Snapshot)
		}
		if err := tx.Model(agent).Updates(updates).Error; err != nil {
			return err
		}
		q := tx.Where("agent_identity = ? AND delivered_at IS NULL", agent.Identity).
			Order("priority desc").Order("created_at asc")
		if s.maxTasksPerCheckIn > 0 {
			q = q.Limit(s.maxTasksPerCheckIn)
		}
		if err := q.Find(&queued).Error; err != nil {
			return err
		}
		if len(queued) == 0 {
			return nil
		}
		ids := make([]uint, len(queued))
		for i, t := range queued {
			ids[i] = t.ID
		}
		return tx.Model(&QueuedTask{}).Where("id IN ?", ids).Update("delivered_at", now).Error
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load tasks", s.logger)
		return
	}

	resp := transport.CheckInResponse{Tasks: make([]tasks.Task, 0, len(queued)), MinVersion: s.minVersion}
	for _, q := range queued {
		resp.Tasks = append(resp.Tasks, q.task())
	}
	if len(queued) > 0 {
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Info().Str("identity", agent.Identity).Int("tasks", len(queued)).Msg("Tasks delivered")
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTaskResult(c *gin.Context) {
	agent := currentAgent(c)
	var req transport.TaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.TaskID == "" {
		respondError(c, http.StatusBadRequest, "missing task_id", s.logger)
		return
	}

	db := s.db.WithContext(c.Request.Context())
	var queued QueuedTask
	if err := db.Where("task_id = ? AND agent_identity = ?", req.TaskID, agent.Identity).First(&queued).Error; err != nil {
		// Not 404: that status means "unknown agent" on this API.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusBadRequest, "unknown task", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load task", s.logger)
		return
	}

	record := TaskResultRecord{
		TaskID:        req.TaskID,
		AgentIdentity: agent.Identity,
		Success:       req.Result.Success,
		Output:        req.Result.Output,
		Error:         req.Result.Error,
		ErrorKind:     string(req.Result.ErrorKind),
		ExitCode:      req.Result.ExitCode,
		DurationMs:    req.Result.DurationMs,
		ReceivedAt:    s.now().UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store result", s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	entry := reqLogger.Info()
	if !record.Success {
		entry = reqLogger.Warn().Str("error_kind", record.ErrorKind).Str("error", record.Error)
	}
	entry.Str("identity", agent.Identity).Str("task_id", record.TaskID).Bool("success", record.Success).Msg("Task result received")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTelemetry(c *gin.Context) {
	agent := currentAgent(c)
	var req struct {
		Identity string          `json:"identity"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		respondError(c, http.StatusBadRequest, "missing payload", s.logger)
		return
	}

	now := s.now().UTC()
	if err := s.db.WithContext(c.Request.Context()).Model(agent).Updates(map[string]any{
		"telemetry":         string(req.Payload),
		"last_telemetry_at": now,
		"last_seen":         now,
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store telemetry", s.logger)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleRefresh rotates the agent's secret. The presented secret stops
// working immediately.
func (s *Server) handleRefresh(c *gin.Context) {
	agent := currentAgent(c)
	var req transport.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	secret, err := newSecret(32)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate secret", s.logger)
		return
	}
	now := s.now().UTC()
	expires := s.secretExpiry(now)
	if err := s.db.WithContext(c.Request.Context()).Model(agent).Updates(map[string]any{
		"secret_hash":       s.hasher.HashString(secret),
		"secret_expires_at": expires,
		"refreshes":         gorm.Expr("refreshes + 1"),
		"last_seen":         now,
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to rotate secret", s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("identity", agent.Identity).Msg("Agent secret rotated")
	c.JSON(http.StatusOK, transport.RefreshResponse{Secret: secret, ExpiresAt: expires})
}

func (q QueuedTask) task() tasks.Task {
	return tasks.Task{
		ID:             q.TaskID,
		Kind:           tasks.Kind(q.Kind),
		Payload:        json.RawMessage(q.Payload),
		Priority:       q.Priority,
		TimeoutSeconds: q.TimeoutSeconds,
		CreatedAt:      q.CreatedAt,
	}
}
