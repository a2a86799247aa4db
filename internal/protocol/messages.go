package protocol

import (
	"encoding/json"
	"time"
)

// WebSocket message types. The dashboard frontend switches on these strings.
const (
	// Server -> client
	TypeHello         = "hello"
	TypeProjectStatus = "project_status"
	TypeTunnelURL     = "tunnel_url"
	TypeLogLine       = "log_line"

	// Client -> server
	TypeSubscribe = "subscribe"

	TypeError = "error"
)

// AllMessageTypes returns all message type constants for alignment testing
func AllMessageTypes() []string {
	return []string{
		TypeHello, TypeProjectStatus, TypeTunnelURL, TypeLogLine,
		TypeSubscribe,
		TypeError,
	}
}

// ============================================================================
// Base Message
// ============================================================================

// Message is the base WebSocket message wrapper
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ============================================================================
// Project Status
// ============================================================================

// ProjectStatus is a project definition joined with its live runtime state.
// Optional fields are always present and encode as null when absent.
type ProjectStatus struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Dir             string  `json:"dir"`
	Start           string  `json:"start"`
	Port            int     `json:"port"`
	TunnelPort      int     `json:"tunnelPort"`
	Running         bool    `json:"running"`
	Pid             *int    `json:"pid"`
	StartedAt       *int64  `json:"startedAt"`
	TunnelRunning   bool    `json:"tunnelRunning"`
	TunnelPid       *int    `json:"tunnelPid"`
	TunnelURL       *string `json:"tunnelUrl"`
	TunnelStartedAt *int64  `json:"tunnelStartedAt"`
}

// ============================================================================
// HTTP Responses
// ============================================================================

type ProjectListResponse struct {
	Projects []ProjectStatus `json:"projects"`
}

type ProjectResponse struct {
	Project ProjectStatus `json:"project"`
}

type LogsResponse struct {
	Logs string `json:"logs"`
}

type ClearLogsResponse struct {
	Cleared bool `json:"cleared"`
}

type ConfigResponse struct {
	Port int    `json:"port"`
	Env  string `json:"env"`
}

type ReloadResponse struct {
	Projects int `json:"projects"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// HistoryEntry is one lifecycle transition as shown in the history panel.
type HistoryEntry struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Action string  `json:"action"`
	Pid    *int    `json:"pid"`
	URL    *string `json:"url"`
	At     int64   `json:"at"`
}

type HistoryResponse struct {
	ProjectID string         `json:"projectId"`
	History   []HistoryEntry `json:"history"`
}

// ErrorResponse is the body of every non-2xx API response. The diagnostic
// fields are only filled outside production.
type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
	Path      string `json:"path,omitempty"`
	Method    string `json:"method,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

// ============================================================================
// WebSocket Payloads
// ============================================================================

// HelloPayload is sent once per connection with a full snapshot.
type HelloPayload struct {
	SessionID string          `json:"sessionId"`
	Projects  []ProjectStatus `json:"projects"`
}

type ProjectStatusPayload struct {
	Project ProjectStatus `json:"project"`
	// Reason names the transition, e.g. "app_start" or "tunnel_exit".
	Reason string `json:"reason"`
}

type TunnelURLPayload struct {
	ProjectID string `json:"projectId"`
	URL       string `json:"url"`
}

type LogLinePayload struct {
	ProjectID string `json:"projectId"`
	Type      string `json:"type"` // "app" or "tunnel"
	Stream    string `json:"stream"`
	Line      string `json:"line"`
}

// SubscribePayload narrows what a connection receives. An empty ProjectIDs
// means every project; log lines are only sent when Logs is true.
type SubscribePayload struct {
	ProjectIDs []string `json:"projectIds"`
	Logs       bool     `json:"logs"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
