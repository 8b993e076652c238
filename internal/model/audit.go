package model

import "time"

// AuditEntry is an append-only record of one action instance state change
type AuditEntry struct {
	ID         string       `json:"id"`
	InstanceID string       `json:"instance_id"`
	FromStatus ActionStatus `json:"from_status"`
	ToStatus   ActionStatus `json:"to_status"`
	Message    string       `json:"message,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
