package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority represents the priority of an alert definition.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// String returns the display name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a string to Priority.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low", "1":
		return PriorityLow
	case "high", "3":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// ConditionKind identifies how a condition is evaluated and explained.
type ConditionKind int

const (
	ConditionThreshold      ConditionKind = 1
	ConditionBaseline       ConditionKind = 2
	ConditionControl        ConditionKind = 3
	ConditionChange         ConditionKind = 4
	ConditionCustomProperty ConditionKind = 5
	ConditionLog            ConditionKind = 6
	ConditionConfigChange   ConditionKind = 7
)

// String returns the name of the condition kind.
func (k ConditionKind) String() string {
	switch k {
	case ConditionThreshold:
		return "threshold"
	case ConditionBaseline:
		return "baseline"
	case ConditionControl:
		return "control"
	case ConditionChange:
		return "change"
	case ConditionCustomProperty:
		return "custom_property"
	case ConditionLog:
		return "log"
	case ConditionConfigChange:
		return "config_change"
	default:
		return "unknown"
	}
}

// Baseline option statuses select what a baseline threshold is relative to.
const (
	BaselineOptMax = "max"
	BaselineOptMin = "min"
)

// AlertDefinition identifies a monitored entity and the conditions that raise alerts for it.
// Definitions are owned by the definition management subsystem; the alert engine
// only flips Enabled back on when a recovering alert is fixed.
type AlertDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Priority    Priority `json:"priority"`
	Enabled     bool     `json:"enabled"`
	WillRecover bool     `json:"will_recover"`
	Entity      EntityID `json:"entity"`
}

// AlertCondition is one rule within an alert definition.
type AlertCondition struct {
	ID            string        `json:"id"`
	DefinitionID  string        `json:"definition_id"`
	Kind          ConditionKind `json:"kind"`
	Name          string        `json:"name"`
	Comparator    string        `json:"comparator,omitempty"`
	Threshold     float64       `json:"threshold"`
	OptionStatus  string        `json:"option_status,omitempty"`
	MeasurementID string        `json:"measurement_id,omitempty"`
	Required      bool          `json:"required"`
}

// Alert is one firing instance of an alert definition.
type Alert struct {
	ID            string              `json:"id"`
	Definition    *AlertDefinition    `json:"definition"`
	CTime         time.Time           `json:"ctime"`
	Fixed         bool                `json:"fixed"`
	ConditionLogs []AlertConditionLog `json:"condition_logs"`
	ActionLogs    []ActionLog         `json:"action_logs"`
}

// NewAlert creates an unfixed alert for the definition.
func NewAlert(def *AlertDefinition, ctime time.Time) *Alert {
	return &Alert{
		Definition:    def,
		CTime:         ctime,
		ConditionLogs: []AlertConditionLog{},
		ActionLogs:    []ActionLog{},
	}
}

// AlertConditionLog records the value that satisfied a condition when an alert fired.
type AlertConditionLog struct {
	ID        string          `json:"id"`
	AlertID   string          `json:"alert_id"`
	Condition *AlertCondition `json:"condition"`
	Value     string          `json:"value"`
	Seq       int             `json:"seq"`
}

// ConditionLogEntry is a condition evaluation to append to an alert.
type ConditionLogEntry struct {
	ConditionID string
	Value       string
}

// ActionLog records that an escalation action executed against an alert.
type ActionLog struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	ActionID  string    `json:"action_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	Detail    string    `json:"detail"`
	CTime     time.Time `json:"ctime"`
}

// Escalatable is an alert packaged for the escalation subsystem along with
// its precomputed explanations.
type Escalatable struct {
	Alert       *Alert `json:"alert"`
	ShortReason string `json:"short_reason"`
	LongReason  string `json:"long_reason"`
}

// Measurement is a metric collected for an entity.
type Measurement struct {
	ID     string   `json:"id"`
	Entity EntityID `json:"entity"`
	Name   string   `json:"name"`
	Units  string   `json:"units"`
}
