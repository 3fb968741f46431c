package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/steward/pkg/posture"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/rs/xid"
	"gorm.io/gorm"
)

func (s *Server) registerEnrollmentRoutes(r *gin.Engine) {
	r.POST(transport.PathEnroll, s.rateLimited("enroll", 30, time.Minute, func(*gin.Context) string { return "" }), s.handleEnrollment)
	admin := r.Group("/v1/admin/tokens", s.requireAdmin)
	admin.POST("", s.handleIssueToken)
	admin.GET("", s.handleListTokens)
	admin.DELETE("/:id", s.handleRevokeToken)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if s.adminToken == "" || !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	raw, err := newSecret(24)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate token", s.logger)
		return
	}

	var expiresAt time.Time
	if req.ExpiresInSeconds > 0 {
		expiresAt = s.now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
	}

	record := EnrollmentToken{
		Label:     req.Label,
		TokenHash: s.hasher.HashString(raw),
		ExpiresAt: expiresAt,
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	if err := s.db.WithContext(c.Request.Context()).Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist token", s.logger)
		return
	}
	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Uint("token_id", record.ID).Str("label", record.Label).Msg("Enrollment token issued")

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.ID,
		"token":      raw,
		"label":      record.Label,
		"expires_at": record.ExpiresAt,
	})
}

func (s *Server) handleListTokens(c *gin.Context) {
	var tokens []EnrollmentToken
	if err := s.db.WithContext(c.Request.Context()).Order("created_at desc").Find(&tokens).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list tokens", s.logger)
		return
	}

	resp := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, gin.H{
			"id":          t.ID,
			"label":       t.Label,
			"expires_at":  t.ExpiresAt,
			"used_at":     t.UsedAt,
			"redeemed_by": t.RedeemedBy,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid token id", s.logger)
		return
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	var token EnrollmentToken
	if err := s.db.WithContext(c.Request.Context()).First(&token, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "token not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load token", s.logger)
		return
	}

	now := s.now().UTC()
	if err := s.db.Model(&token).Updates(map[string]any{
		"used_at":     now,
		"redeemed_by": fmt.Sprintf("revoked:%d", now.Unix()),
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to revoke token", s.logger)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleEnrollment redeems a single-use token for an agent identity and its
// first secret.
func (s *Server) handleEnrollment(c *gin.Context) {
	var req struct {
		Token  string          `json:"token"`
		Device json.RawMessage `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Token == "" {
		respondError(c, http.StatusBadRequest, "missing token", s.logger)
		return
	}
	var device posture.DeviceInfo
	if len(req.Device) > 0 && string(req.Device) != "null" {
		if err := json.Unmarshal(req.Device, &device); err != nil {
			respondError(c, http.StatusBadRequest, "invalid device info", s.logger)
			return
		}
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	db := s.db.WithContext(c.Request.Context())
	var token EnrollmentToken
	if err := db.Where("token_hash = ?", s.hasher.HashString(req.Token)).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "invalid token", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "token lookup failed", s.logger)
		return
	}
	if token.UsedAt != nil {
		respondError(c, http.StatusUnauthorized, "token already used", s.logger)
		return
	}
	now := s.now().UTC()
	if !token.ExpiresAt.IsZero() && now.After(token.ExpiresAt) {
		respondError(c, http.StatusUnauthorized, "token expired", s.logger)
		return
	}

	secret, err := newSecret(32)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate secret", s.logger)
		return
	}
	agent := AgentRecord{
		Identity:        "agent-" + xid.New().String(),
		Hostname:        device.Hostname,
		OS:              device.OS,
		Arch:            device.Arch,
		AgentVersion:    device.AgentVersion,
		SecretHash:      s.hasher.HashString(secret),
		SecretExpiresAt: s.secretExpiry(now),
		LastSeen:        now,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&agent).Error; err != nil {
			return err
		}
		return tx.Model(&token).Updates(map[string]any{
			"used_at":     now,
			"redeemed_by": agent.Identity,
		}).Error
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist agent", s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("identity", agent.Identity).Str("hostname", agent.Hostname).Msg("Agent enrolled")
	c.JSON(http.StatusOK, transport.EnrollResponse{
		Identity:  agent.Identity,
		Secret:    secret,
		ExpiresAt: agent.SecretExpiresAt,
	})
}

func (s *Server) secretExpiry(now time.Time) *time.Time {
	if s.secretTTL <= 0 {
		return nil
	}
	t := now.Add(s.secretTTL)
	return &t
}

func parseUintParam(raw string) (uint, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty")
	}
	id64, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
