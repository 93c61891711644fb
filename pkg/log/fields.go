package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware/auth.go keys)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Service
	FieldService = "service"

	// Relationship
	FieldEntityID    = "entity_id"
	FieldFollowerID  = "follower_id"
	FieldFollowingID = "following_id"
	FieldEdgeID      = "edge_id"
	FieldOutcome     = "outcome"
	FieldCounter     = "counter"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
