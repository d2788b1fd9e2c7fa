// Package escalation packages alerts for the escalation subsystem and hands
// them over to registered sinks.
package escalation

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
)

// Reasoner renders the explanations attached to an escalatable.
type Reasoner interface {
	ShortReason(ctx context.Context, alert *models.Alert) string
	LongReason(ctx context.Context, alert *models.Alert) string
}

// Adapter converts alerts into escalatable work items.
type Adapter struct {
	reasons Reasoner
	workers int
	logger  *zap.Logger
}

// NewAdapter creates an adapter rendering reasons with up to workers alerts
// in parallel. workers <= 0 uses GOMAXPROCS.
func NewAdapter(reasons Reasoner, workers int, logger *zap.Logger) *Adapter {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{reasons: reasons, workers: workers, logger: logger}
}

// ToEscalatables wraps every alert with its short and long reason. The output
// has the same length and order as the input; a reason that cannot be
// rendered is left empty.
func (a *Adapter) ToEscalatables(ctx context.Context, alerts []*models.Alert) []models.Escalatable {
	out := make([]models.Escalatable, len(alerts))

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, alert := range alerts {
		i, alert := i, alert
		g.Go(func() error {
			out[i] = models.Escalatable{
				Alert:       alert,
				ShortReason: a.render(ctx, alert, "short", a.reasons.ShortReason),
				LongReason:  a.render(ctx, alert, "long", a.reasons.LongReason),
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.EscalatablesTotal.Add(float64(len(out)))
	return out
}

func (a *Adapter) render(ctx context.Context, alert *models.Alert, field string,
	fn func(context.Context, *models.Alert) string) (text string) {
	if alert == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.ReasonDegradedTotal.WithLabelValues("panic").Inc()
			a.logger.Error("reason composition panicked",
				zap.String("alert_id", alert.ID),
				zap.String("field", field),
				zap.Any("panic", r))
			text = ""
		}
	}()
	return fn(ctx, alert)
}
