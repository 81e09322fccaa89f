package observability

// EventEnvelope wraps a telemetry event published to the ops bus.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// ConnEventPayload describes a persistent-connection lifecycle event.
type ConnEventPayload struct {
	SessionID  string `json:"session_id"`
	Event      string `json:"event"`
	Attempt    int    `json:"attempt,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
