package models

import "time"

// FailoverReason classifies what triggered a failover attempt.
type FailoverReason string

const (
	ReasonHeartbeatTimeout FailoverReason = "heartbeat_timeout"
	ReasonSocketError      FailoverReason = "socket_error"
	ReasonManual           FailoverReason = "manual"
)

// FailoverEvent is one record in the append-only failover audit trail. Events
// are never mutated after creation; failed attempts are retained alongside
// successful ones.
type FailoverEvent struct {
	ID          string         `json:"id"`
	FromAccount string         `json:"from_account"`
	ToAccount   string         `json:"to_account"`
	Reason      FailoverReason `json:"reason"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
