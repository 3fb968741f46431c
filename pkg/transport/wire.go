package transport

import (
	"time"

	"github.com/haasonsaas/steward/pkg/tasks"
)

const (
	PathEnroll     = "/v1/enroll"
	PathCheckIn    = "/v1/checkin"
	PathTaskResult = "/v1/tasks/result"
	PathTelemetry  = "/v1/telemetry"
	PathRefresh    = "/v1/refresh"
	PathHealth     = "/v1/health"

	HeaderAgentID   = "X-Agent-ID"
	HeaderRequestID = "X-Request-ID"
)

type EnrollRequest struct {
	Token  string `json:"token"`
	Device any    `json:"device"`
}

type EnrollResponse struct {
	Identity  string     `json:"identity"`
	Secret    string     `json:"secret"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type CheckInRequest struct {
	Identity string `json:"identity"`
	Snapshot any    `json:"snapshot,omitempty"`
}

type CheckInResponse struct {
	Tasks      []tasks.Task `json:"tasks"`
	MinVersion string       `json:"min_version,omitempty"`
}

type TaskResultRequest struct {
	Identity string       `json:"identity"`
	TaskID   string       `json:"task_id"`
	Result   tasks.Result `json:"result"`
}

type TelemetryRequest struct {
	Identity string `json:"identity"`
	Payload  any    `json:"payload"`
}

type RefreshRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type RefreshResponse struct {
	Secret    string     `json:"secret"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}
