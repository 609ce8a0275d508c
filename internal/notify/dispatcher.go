package notify

import (
	"context"
	"time"

	"github.com/marcus-qen/ecoscan/internal/metrics"
	"github.com/marcus-qen/ecoscan/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultTimeout bounds one Notify call across all backends.
const DefaultTimeout = 2 * time.Second

// Outcome is the result of a best-effort notification.
type Outcome struct {
	Channel string
	Event   string
	Err     error
}

// Delivered reports whether every backend accepted the event.
func (o Outcome) Delivered() bool { return o.Err == nil }

// Warning is the message surfaced to the caller when delivery failed.
func (o Outcome) Warning() string {
	if o.Err == nil {
		return ""
	}
	return "notification " + o.Event + " to " + o.Channel + " was not delivered"
}

// Dispatcher publishes notifications without ever failing the caller.
type Dispatcher struct {
	pub     Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration
}

// NewDispatcher wraps pub. A nil pub makes every Notify a no-op.
func NewDispatcher(pub Publisher, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{pub: pub, metrics: m, logger: logger.Named("notify"), timeout: DefaultTimeout}
}

// Notify publishes event on channel. Failures are logged, counted per
// backend and returned in the Outcome.
func (d *Dispatcher) Notify(ctx context.Context, channel, event string, payload any) Outcome {
	out := Outcome{Channel: channel, Event: event}
	if d == nil || d.pub == nil {
		return out
	}

	ctx, span := telemetry.StartNotifySpan(ctx, channel, event)
	defer span.End()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if err := d.pub.Publish(ctx, channel, event, payload); err != nil {
		out.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		backends := failedBackends(err, d.pub.Backend())
		for _, b := range backends {
			d.metrics.RecordNotificationFailure(b)
		}
		d.logger.Warn("notification failed",
			zap.String("channel", channel),
			zap.String("event", event),
			zap.Strings("backends", backends),
			zap.Error(err),
		)
		return out
	}
	d.logger.Debug("notification published", zap.String("channel", channel), zap.String("event", event))
	return out
}
