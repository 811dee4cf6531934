package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Process
	FieldService   = "service"
	FieldComponent = "component"

	// Relay
	FieldConnectionID = "connection_id"
	FieldBroadcastID  = "broadcast_id"
	FieldRelayURL     = "relay_url"
	FieldRelayStatus  = "relay_status"
	FieldSourceStatus = "source_status"
	FieldMessageType  = "message_type"
	FieldAttempt      = "attempt"
	FieldClientID     = "client_id"

	// Session
	FieldPhase     = "phase"
	FieldOperation = "operation"
)
