package model

import "time"

// Alert is the read-only view of an alert consulted during shield matching
// and digest construction.
type Alert struct {
	ID         string              `json:"id"`
	StrategyID int64               `json:"strategy_id"`
	BizID      int64               `json:"bk_biz_id"`
	Severity   int                 `json:"severity"`
	HostID     string              `json:"host_id,omitempty"`
	TopoNodes  []string            `json:"topo_nodes,omitempty"`
	Service    string              `json:"service,omitempty"`
	Dimensions map[string]string   `json:"dimensions,omitempty"`
	Tags       map[string]string   `json:"tags,omitempty"`
	Extra      map[string][]string `json:"extra,omitempty"`
}

// ShieldCycle describes how a shield's active interval recurs
type ShieldCycle string

const (
	ShieldCycleOnce   ShieldCycle = "once"
	ShieldCycleDaily  ShieldCycle = "daily"
	ShieldCycleWeekly ShieldCycle = "weekly"
)

// ShieldMatch is the predicate side of a shield rule. Zero-valued fields
// are wildcards; populated fields are AND-ed.
type ShieldMatch struct {
	StrategyIDs []int64           `json:"strategy_ids,omitempty"`
	AlertIDs    []string          `json:"alert_ids,omitempty"`
	Hosts       []string          `json:"hosts,omitempty"`
	TopoNodes   []string          `json:"topo_nodes,omitempty"`
	Services    []string          `json:"services,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// ShieldInterval is the time window during which a shield is active.
// Begin/End bound the whole shield; for recurring cycles StartTime/EndTime
// give the daily "HH:MM" slice and Weekdays restricts weekly cycles
// (time.Weekday values).
type ShieldInterval struct {
	Begin     time.Time   `json:"begin_time"`
	End       time.Time   `json:"end_time"`
	Cycle     ShieldCycle `json:"cycle"`
	StartTime string      `json:"start_time,omitempty"` // "HH:MM"
	EndTime   string      `json:"end_time_of_day,omitempty"`
	Weekdays  []int       `json:"weekdays,omitempty"`
}

// ShieldRule represents a business-defined suppression rule
type ShieldRule struct {
	ID        int64          `json:"id"`
	BizID     int64          `json:"bk_biz_id"`
	Type      string         `json:"category"` // scope / strategy / alert / dimension
	Priority  int            `json:"priority"`
	Match     ShieldMatch    `json:"match"`
	Interval  ShieldInterval `json:"active_interval"`
	Rationale string         `json:"rationale"`
	UpdatedAt time.Time      `json:"updated_at"`
}
