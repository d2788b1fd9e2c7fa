// Package reason renders human-readable explanations of why an alert fired.
//
// Composition is total: a malformed condition log, a failed lookup or an
// unparsable value degrades the affected fragment and never aborts the
// explanation of the rest of the alert.
package reason

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/units"
)

// NotAvailable is rendered in place of a value that cannot be converted to a number.
const NotAvailable = "Not Available"

// DefaultLookupTimeout bounds each measurement and name lookup.
const DefaultLookupTimeout = 2 * time.Second

const indent = "    "

// MeasurementLookup resolves the measurement a condition refers to.
type MeasurementLookup interface {
	Measurement(ctx context.Context, id string) (*models.Measurement, error)
}

// NameLookup resolves the display name of an inventory entity.
type NameLookup interface {
	DisplayName(ctx context.Context, entity models.EntityID) (string, error)
}

// Options configures a Composer.
type Options struct {
	// LookupTimeout bounds each collaborator lookup (default: 2s).
	LookupTimeout time.Duration
	// Logger receives degraded-composition warnings.
	Logger *zap.Logger
}

// Composer builds short and long alert explanations.
type Composer struct {
	measurements MeasurementLookup
	names        NameLookup
	timeout      time.Duration
	logger       *zap.Logger
}

// NewComposer creates a Composer. Either lookup may be nil, in which case the
// corresponding data is treated as unavailable.
func NewComposer(measurements MeasurementLookup, names NameLookup, opts *Options) *Composer {
	c := &Composer{
		measurements: measurements,
		names:        names,
		timeout:      DefaultLookupTimeout,
		logger:       zap.NewNop(),
	}
	if opts != nil {
		if opts.LookupTimeout > 0 {
			c.timeout = opts.LookupTimeout
		}
		if opts.Logger != nil {
			c.logger = opts.Logger
		}
	}
	return c
}

// ShortReason returns a single-line explanation: the definition name, the
// entity display name and one fragment per condition log in order.
func (c *Composer) ShortReason(ctx context.Context, alert *models.Alert) string {
	if alert == nil {
		return ""
	}

	var text strings.Builder
	if def := alert.Definition; def != nil {
		text.WriteString(def.Name)
		text.WriteString(" ")
		if name := c.displayName(ctx, alert); name != "" {
			text.WriteString(name)
			text.WriteString(" ")
		}
	}

	lookups := make(map[string]*models.Measurement)
	for i := range alert.ConditionLogs {
		e, ok := c.prepare(ctx, alert, &alert.ConditionLogs[i], lookups)
		if !ok {
			continue
		}
		fragment, ok := c.render(shortRenderers, e)
		if !ok {
			continue
		}
		text.WriteString(fragment)
	}

	return text.String()
}

// LongReason returns a multi-line explanation with one line per condition,
// joined by If / AND / OR according to whether each condition is required.
func (c *Composer) LongReason(ctx context.Context, alert *models.Alert) string {
	if alert == nil {
		return ""
	}

	var text strings.Builder
	lookups := make(map[string]*models.Measurement)
	rendered := 0
	for i := range alert.ConditionLogs {
		e, ok := c.prepare(ctx, alert, &alert.ConditionLogs[i], lookups)
		if !ok {
			continue
		}
		body, ok := c.render(longRenderers, e)
		if !ok {
			continue
		}

		text.WriteString("\n")
		text.WriteString(indent)
		switch {
		case rendered == 0:
			text.WriteString("If ")
		case e.cond.Required:
			text.WriteString("AND ")
		default:
			text.WriteString("OR ")
		}
		text.WriteString(body)
		rendered++
	}

	return text.String()
}

func (c *Composer) displayName(ctx context.Context, alert *models.Alert) string {
	if c.names == nil {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entity := alert.Definition.Entity
	name, err := c.names.DisplayName(lctx, entity)
	if err != nil {
		metrics.ReasonDegradedTotal.WithLabelValues("name_lookup").Inc()
		c.logger.Warn("alert reason requested for unresolvable resource",
			zap.String("alert_id", alert.ID),
			zap.Stringer("entity", entity),
			zap.Error(err))
		return ""
	}
	return name
}

// prepare resolves everything a renderer needs for one condition log so the
// renderers themselves stay pure.
func (c *Composer) prepare(ctx context.Context, alert *models.Alert, log *models.AlertConditionLog,
	lookups map[string]*models.Measurement) (entry, bool) {
	if log.Condition == nil {
		c.logger.Warn("condition log has no condition",
			zap.String("alert_id", alert.ID),
			zap.String("log_id", log.ID))
		return entry{}, false
	}

	e := entry{cond: log.Condition, raw: log.Value}

	switch log.Condition.Kind {
	case models.ConditionThreshold, models.ConditionBaseline:
		m := c.measurement(ctx, log.Condition.MeasurementID, lookups)

		e.threshold = formatDecimal(log.Condition.Threshold)
		if m != nil {
			e.threshold = units.Format(log.Condition.Threshold, m.Units)
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(log.Value), 64)
		switch {
		case err != nil:
			metrics.ReasonDegradedTotal.WithLabelValues("not_available").Inc()
			c.logger.Warn("alert condition log value cannot be converted to a number",
				zap.String("log_id", log.ID),
				zap.String("value", log.Value))
			e.actual = NotAvailable
		case m != nil:
			e.actual = units.Format(value, m.Units)
		default:
			e.actual = units.FormatPlain(value)
		}
	}

	return e, true
}

func (c *Composer) measurement(ctx context.Context, id string, lookups map[string]*models.Measurement) *models.Measurement {
	if c.measurements == nil || id == "" {
		return nil
	}
	if m, ok := lookups[id]; ok {
		return m
	}

	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	m, err := c.measurements.Measurement(lctx, id)
	if err != nil || m == nil {
		metrics.ReasonDegradedTotal.WithLabelValues("measurement_lookup").Inc()
		c.logger.Warn("measurement lookup failed, leaving values unformatted",
			zap.String("measurement_id", id),
			zap.Error(err))
		m = nil
	}
	lookups[id] = m
	return m
}

func (c *Composer) render(table map[models.ConditionKind]renderFunc, e entry) (out string, ok bool) {
	fn, found := table[e.cond.Kind]
	if !found {
		return "", false
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.ReasonDegradedTotal.WithLabelValues("panic").Inc()
			c.logger.Error("reason renderer panicked",
				zap.String("condition_id", e.cond.ID),
				zap.Stringer("kind", e.cond.Kind),
				zap.Any("panic", r))
			out, ok = "", false
		}
	}()

	return fn(e), true
}
