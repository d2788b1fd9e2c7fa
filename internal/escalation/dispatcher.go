package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
)

// Sink receives batches of escalatable alerts.
type Sink interface {
	// Name returns the sink name (e.g., "log", "webhook").
	Name() string
	// Deliver hands over the batch in the given order.
	Deliver(ctx context.Context, items []models.Escalatable) error
	// Close releases any resources.
	Close() error
}

// ErrRateLimited is returned when a batch is dropped due to rate limiting.
var ErrRateLimited = errors.New("escalation hand-off rate limited")

// RateLimitConfig holds dispatcher throttling configuration.
type RateLimitConfig struct {
	PerSecond float64 // Sustained batches per second (default: 10)
	Burst     int     // Maximum burst (default: 20)
	Enabled   bool    // Whether throttling is enabled (default: true)
}

// DefaultRateLimitConfig returns default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerSecond: 10,
		Burst:     20,
		Enabled:   true,
	}
}

// Dispatcher hands escalatable batches to registered sinks in registration
// order.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   []Sink
	limiter *rate.Limiter
}

// NewDispatcher creates a dispatcher with default rate limiting.
func NewDispatcher() *Dispatcher {
	return NewDispatcherWithRateLimit(DefaultRateLimitConfig())
}

// NewDispatcherWithRateLimit creates a dispatcher with custom rate limit configuration.
func NewDispatcherWithRateLimit(config RateLimitConfig) *Dispatcher {
	d := &Dispatcher{}
	if config.Enabled {
		if config.PerSecond <= 0 {
			config.PerSecond = 10
		}
		if config.Burst <= 0 {
			config.Burst = 20
		}
		d.limiter = rate.NewLimiter(rate.Limit(config.PerSecond), config.Burst)
	}
	return d
}

// Register adds a sink, replacing any sink with the same name.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.sinks {
		if existing.Name() == s.Name() {
			d.sinks[i] = s
			return
		}
	}
	d.sinks = append(d.sinks, s)
}

// Sinks returns the names of the registered sinks.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch hands the batch to every sink. An empty batch is not dispatched.
// Returns ErrRateLimited if the batch is dropped due to rate limiting.
func (d *Dispatcher) Dispatch(ctx context.Context, items []models.Escalatable) error {
	if len(items) == 0 {
		return nil
	}

	if d.limiter != nil && !d.limiter.Allow() {
		metrics.DispatchTotal.WithLabelValues("dispatcher", "rate_limited").Inc()
		return ErrRateLimited
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var errs []error
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, items); err != nil {
			metrics.DispatchTotal.WithLabelValues(s.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.DispatchTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}

// Close closes all registered sinks.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	d.sinks = nil
	return errors.Join(errs...)
}
