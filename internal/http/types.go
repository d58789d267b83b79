package http

import (
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	HostID    string `json:"host_id"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
}

// StatusResponse wraps the engine status
type StatusResponse struct {
	HostID    string       `json:"host_id"`
	Timestamp string       `json:"timestamp"`
	Version   string       `json:"version"`
	Status    types.Status `json:"status"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProposeRequest is the body of POST /shadows
type ProposeRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ShadowResponse describes one shadow run
type ShadowResponse struct {
	ShadowID    uint64        `json:"shadow_id"`
	Description string        `json:"description"`
	Result      shadow.Result `json:"result"`
}

// ApplyResponse is returned when a shadow or reset is applied
type ApplyResponse struct {
	ShadowID        uint64 `json:"shadow_id,omitempty"`
	RollbackPointID uint64 `json:"rollback_point_id"`
}

// CheckpointRequest is the optional body of POST /rollbacks
type CheckpointRequest struct {
	Description string `json:"description"`
}

// RollbackResponse reports a completed rollback
type RollbackResponse struct {
	PointID uint64 `json:"point_id,omitempty"`
	Status  string `json:"status"`
}

// ResetResponse reports a pipeline reset
type ResetResponse struct {
	Result          shadow.Result `json:"result"`
	RollbackPointID uint64        `json:"rollback_point_id"`
}

// SettingsResponse lists the live policy settings
type SettingsResponse struct {
	Settings types.Snapshot `json:"settings"`
}
