package model

import (
	"encoding/json"
	"time"
)

// ActionStatus represents the current status of an action instance
type ActionStatus string

const (
	ActionStatusReceived   ActionStatus = "received"
	ActionStatusWaiting    ActionStatus = "waiting"
	ActionStatusSleeping   ActionStatus = "sleeping"
	ActionStatusConverging ActionStatus = "converging"
	ActionStatusConverged  ActionStatus = "converged"
	ActionStatusShielded   ActionStatus = "shielded"
	ActionStatusSkipped    ActionStatus = "skipped"
	ActionStatusRunning    ActionStatus = "running"
	ActionStatusSuccess    ActionStatus = "success"
	ActionStatusFailed     ActionStatus = "failed"
	ActionStatusExpired    ActionStatus = "expired"
)

// IsTerminal reports whether the status is in the terminal set.
// Terminal instances are immutable except for audit appends.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusSuccess, ActionStatusFailed, ActionStatusExpired,
		ActionStatusShielded, ActionStatusSkipped:
		return true
	}
	return false
}

// PluginKind represents the downstream executor family of an action
type PluginKind string

const (
	PluginKindNotice  PluginKind = "notice"
	PluginKindWebhook PluginKind = "webhook"
	PluginKindQueue   PluginKind = "queue"
	PluginKindITSM    PluginKind = "itsm"
	PluginKindJob     PluginKind = "job"
	PluginKindCustom  PluginKind = "custom"
)

// Signal represents the alert lifecycle event driving an action
type Signal string

const (
	SignalAbnormal  Signal = "abnormal"
	SignalRecovered Signal = "recovered"
	SignalClosed    Signal = "closed"
	SignalAck       Signal = "ack"
	SignalNoData    Signal = "no_data"
)

// ExecutionConfig holds per-action execution settings and results
type ExecutionConfig struct {
	Timeout int               `json:"timeout,omitempty"` // seconds
	Outputs map[string]any    `json:"outputs,omitempty"`
	Extra   json.RawMessage   `json:"extra,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// ActionInstance represents a unit of response work derived from one or more alerts
type ActionInstance struct {
	ID           string       `json:"id"`
	StrategyID   *int64       `json:"strategy_id,omitempty"` // nil means orphan rule
	ActionConfig int64        `json:"action_config_id,omitempty"`
	BizID        int64        `json:"bk_biz_id"`
	PluginKind   PluginKind   `json:"plugin_kind"`
	Status       ActionStatus `json:"status"`
	Signal       Signal       `json:"signal"`
	Alerts       []string     `json:"alerts"`
	IsParent     bool         `json:"is_parent"`
	NeedPoll     bool         `json:"need_poll"`
	ExecuteTimes int          `json:"execute_times"`
	Receivers    []string     `json:"receivers,omitempty"`
	Channel      string       `json:"channel,omitempty"` // notice channel, e.g. mail/sms/voice

	ExecuteConfig ExecutionConfig `json:"execute_config"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// SetOutput writes a key into the execution outputs map, allocating it on demand.
func (a *ActionInstance) SetOutput(key string, value any) {
	if a.ExecuteConfig.Outputs == nil {
		a.ExecuteConfig.Outputs = make(map[string]any)
	}
	a.ExecuteConfig.Outputs[key] = value
}

// Deadline returns the instant after which the instance may no longer be
// processed: created_at + max(execution timeout, maxWindow).
func (a *ActionInstance) Deadline(maxWindow time.Duration) time.Time {
	timeout := time.Duration(a.ExecuteConfig.Timeout) * time.Second
	if maxWindow > timeout {
		timeout = maxWindow
	}
	return a.CreatedAt.Add(timeout)
}
