package reason

import (
	"math"
	"strconv"
	"strings"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

// entry is one condition log with its values already resolved.
type entry struct {
	cond      *models.AlertCondition
	raw       string
	actual    string // formatted actual value or NotAvailable (threshold/baseline only)
	threshold string // formatted threshold (threshold/baseline only)
}

type renderFunc func(e entry) string

var shortRenderers = map[models.ConditionKind]renderFunc{
	models.ConditionThreshold:      shortMeasured,
	models.ConditionBaseline:       shortMeasured,
	models.ConditionControl:        shortControl,
	models.ConditionChange:         shortRaw,
	models.ConditionCustomProperty: shortRaw,
	models.ConditionLog:            shortLog,
	models.ConditionConfigChange:   shortConfigChange,
}

var longRenderers = map[models.ConditionKind]renderFunc{
	models.ConditionThreshold:      longThreshold,
	models.ConditionBaseline:       longBaseline,
	models.ConditionControl:        longControl,
	models.ConditionChange:         longChange,
	models.ConditionCustomProperty: longCustomProperty,
	models.ConditionLog:            longLog,
	models.ConditionConfigChange:   longConfigChange,
}

func shortMeasured(e entry) string {
	return e.cond.Name + " (" + e.actual + ") "
}

func shortControl(e entry) string {
	return e.cond.Name
}

func shortRaw(e entry) string {
	return e.cond.Name + " (" + e.raw + ") "
}

func shortLog(e entry) string {
	return "Log (" + e.raw + ") "
}

func shortConfigChange(e entry) string {
	return "Config changed (" + e.raw + ") "
}

func longThreshold(e entry) string {
	return e.cond.Name + " " + e.cond.Comparator + " " + e.threshold +
		" (actual value = " + e.actual + ")"
}

func longBaseline(e entry) string {
	var of string
	switch e.cond.OptionStatus {
	case models.BaselineOptMax:
		of = "Max Value"
	case models.BaselineOptMin:
		of = "Min Value"
	default:
		of = "Baseline"
	}
	return e.cond.Name + " " + e.cond.Comparator + " " + formatDecimal(e.cond.Threshold) +
		"% of " + of + " (actual value = " + e.actual + ")"
}

func longControl(e entry) string {
	return e.cond.Name
}

func longChange(e entry) string {
	return e.cond.Name + " value changed (New value: " + e.raw + ")"
}

func longCustomProperty(e entry) string {
	return e.cond.Name + " value changed\n" + indent + e.raw
}

func longLog(e entry) string {
	var b strings.Builder
	b.WriteString("Event/Log Level(")
	b.WriteString(LevelName(e.cond.Name))
	b.WriteString(")")
	if e.cond.OptionStatus != "" {
		b.WriteString(` and matching substring "`)
		b.WriteString(e.cond.OptionStatus)
		b.WriteString(`"`)
	}
	b.WriteString("\n" + indent + "Log: ")
	b.WriteString(e.raw)
	return b.String()
}

func longConfigChange(e entry) string {
	var b strings.Builder
	b.WriteString("Config changed")
	if e.cond.OptionStatus != "" {
		b.WriteString(": ")
		b.WriteString(e.cond.OptionStatus)
	}
	b.WriteString("\n" + indent + "Details: ")
	b.WriteString(e.raw)
	return b.String()
}

// Log levels carried in the name of a log condition.
const (
	LogLevelError = 3
	LogLevelWarn  = 4
	LogLevelInfo  = 6
	LogLevelDebug = 7
)

// LevelName returns the display name of a log level given in its numeric
// string form. Non-numeric input yields NotAvailable.
func LevelName(level string) string {
	n, err := strconv.Atoi(strings.TrimSpace(level))
	if err != nil {
		return NotAvailable
	}
	switch n {
	case LogLevelError:
		return "Error"
	case LogLevelWarn:
		return "Warning"
	case LogLevelInfo:
		return "Info"
	case LogLevelDebug:
		return "Debug"
	default:
		return "Any"
	}
}

// formatDecimal renders a threshold without unit conversion, keeping one
// fractional digit for whole numbers (90 -> "90.0").
func formatDecimal(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
