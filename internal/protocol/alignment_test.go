package protocol

import (
	"encoding/json"
	"testing"
)

// TestMessageTypeAlignment verifies that Go message type constants match the
// strings the dashboard frontend switches on.
func TestMessageTypeAlignment(t *testing.T) {
	expectedTypes := map[string]string{
		"HELLO":          "hello",
		"PROJECT_STATUS": "project_status",
		"TUNNEL_URL":     "tunnel_url",
		"LOG_LINE":       "log_line",
		"SUBSCRIBE":      "subscribe",
		"ERROR":          "error",
	}

	goConstants := map[string]string{
		"HELLO":          TypeHello,
		"PROJECT_STATUS": TypeProjectStatus,
		"TUNNEL_URL":     TypeTunnelURL,
		"LOG_LINE":       TypeLogLine,
		"SUBSCRIBE":      TypeSubscribe,
		"ERROR":          TypeError,
	}

	for name, expected := range expectedTypes {
		got, ok := goConstants[name]
		if !ok {
			t.Errorf("Missing Go constant for %s", name)
			continue
		}
		if got != expected {
			t.Errorf("Message type mismatch for %s: Go has %q, frontend expects %q", name, got, expected)
		}
	}

	if len(AllMessageTypes()) != len(expectedTypes) {
		t.Errorf("Type count mismatch: Go has %d, frontend expects %d", len(AllMessageTypes()), len(expectedTypes))
	}
}

// TestProjectStatusNullFields verifies absent optional fields are sent as
// null rather than dropped.
func TestProjectStatusNullFields(t *testing.T) {
	data, err := json.Marshal(ProjectStatus{ID: "web", Name: "Web", Dir: "web", Start: "npm start", Port: 3000, TunnelPort: 3000})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	expected := []string{
		"id", "name", "dir", "start", "port", "tunnelPort", "running", "pid", "startedAt",
		"tunnelRunning", "tunnelPid", "tunnelUrl", "tunnelStartedAt",
	}
	for _, field := range expected {
		if _, ok := result[field]; !ok {
			t.Errorf("missing expected field %q", field)
		}
	}
	if len(result) != len(expected) {
		t.Errorf("field count mismatch: got %d, want %d", len(result), len(expected))
	}
	for _, field := range []string{"pid", "startedAt", "tunnelPid", "tunnelUrl", "tunnelStartedAt"} {
		if result[field] != nil {
			t.Errorf("%s: got %v, want null", field, result[field])
		}
	}
}

// TestPayloadJSONFieldAlignment verifies JSON field names of responses and payloads
func TestPayloadJSONFieldAlignment(t *testing.T) {
	url := "https://a-b.trycloudflare.com"

	tests := []struct {
		name           string
		payload        interface{}
		expectedFields []string
	}{
		{
			name:           "LogsResponse",
			payload:        LogsResponse{Logs: "[2024-01-01T00:00:00.000Z] hi\n"},
			expectedFields: []string{"logs"},
		},
		{
			name:           "ConfigResponse",
			payload:        ConfigResponse{Port: 4000, Env: "development"},
			expectedFields: []string{"port", "env"},
		},
		{
			name:           "ErrorResponse",
			payload:        ErrorResponse{Error: "Project not found", Path: "/api/projects/x", Method: "GET", RequestID: "abc"},
			expectedFields: []string{"error", "path", "method", "requestId"},
		},
		{
			name:           "HistoryEntry",
			payload:        HistoryEntry{ID: "1", Kind: "tunnel", Action: "url", URL: &url, At: 1},
			expectedFields: []string{"id", "kind", "action", "pid", "url", "at"},
		},
		{
			name:           "TunnelURLPayload",
			payload:        TunnelURLPayload{ProjectID: "web", URL: url},
			expectedFields: []string{"projectId", "url"},
		},
		{
			name:           "LogLinePayload",
			payload:        LogLinePayload{ProjectID: "web", Type: "app", Stream: "stdout", Line: "ok"},
			expectedFields: []string{"projectId", "type", "stream", "line"},
		},
		{
			name:           "ProjectStatusPayload",
			payload:        ProjectStatusPayload{Project: ProjectStatus{ID: "web"}, Reason: "app_start"},
			expectedFields: []string{"project", "reason"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("Failed to marshal %s: %v", tt.name, err)
			}

			var result map[string]interface{}
			if err := json.Unmarshal(data, &result); err != nil {
				t.Fatalf("Failed to unmarshal %s: %v", tt.name, err)
			}

			for _, field := range tt.expectedFields {
				if _, ok := result[field]; !ok {
					t.Errorf("%s: missing expected field %q", tt.name, field)
				}
			}
		})
	}
}

// TestErrorResponseOmitsDiagnostics verifies production error bodies carry only the message.
func TestErrorResponseOmitsDiagnostics(t *testing.T) {
	data, err := json.Marshal(ErrorResponse{Error: "Project not found"})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(data) != `{"error":"Project not found"}` {
		t.Errorf("got %s", data)
	}
}

// TestBidirectionalParsing verifies Go can parse a subscribe message from the frontend
func TestBidirectionalParsing(t *testing.T) {
	raw := `{
		"type": "subscribe",
		"payload": {"projectIds": ["web"], "logs": true},
		"timestamp": 1704067200000
	}`

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Failed to parse message: %v", err)
	}
	if msg.Type != TypeSubscribe {
		t.Errorf("Type mismatch: got %q, want %q", msg.Type, TypeSubscribe)
	}

	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if len(payload.ProjectIDs) != 1 || payload.ProjectIDs[0] != "web" || !payload.Logs {
		t.Errorf("payload mismatch: %+v", payload)
	}
}
