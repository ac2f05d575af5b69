package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/heimgewebe/plexer/internal/consumer"
	plexererrors "github.com/heimgewebe/plexer/internal/errors"
	"github.com/heimgewebe/plexer/internal/event"
	"github.com/heimgewebe/plexer/internal/observability"
	"github.com/heimgewebe/plexer/internal/routing"
	"github.com/heimgewebe/plexer/internal/transport"
)

// Sender issues one delivery attempt to a consumer.
type Sender interface {
	Post(ctx context.Context, d consumer.Descriptor, body []byte) (int, error)
}

// QueueSink receives failed critical deliveries for durable retry.
type QueueSink interface {
	SaveFailedEvent(ev event.Envelope, consumerKey, errMsg string) error
}

// Dispatcher fans one validated event out to the consumers selected by the
// routing policy. Calls are detached from the ingress response: the caller
// gets control back before any consumer settles.
type Dispatcher struct {
	registry  *consumer.Registry
	sender    Sender
	queue     QueueSink
	inflight  *InFlight
	metrics   *observability.Metrics
	collector *plexererrors.Collector
	timeout   time.Duration
}

// New creates a Dispatcher. metrics and collector may be nil.
func New(
	registry *consumer.Registry,
	sender Sender,
	queue QueueSink,
	inflight *InFlight,
	metrics *observability.Metrics,
	collector *plexererrors.Collector,
	timeout time.Duration,
) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		sender:    sender,
		queue:     queue,
		inflight:  inflight,
		metrics:   metrics,
		collector: collector,
		timeout:   timeout,
	}
}

// InFlight exposes the tracker for status reads and shutdown drain.
func (d *Dispatcher) InFlight() *InFlight {
	return d.inflight
}

// Dispatch fans the event out asynchronously and returns the locally
// generated event id used in delivery logs.
func (d *Dispatcher) Dispatch(ev event.Envelope) string {
	eventID := uuid.NewString()

	body, err := ev.Body()
	if err != nil {
		// The validator guarantees serializability; this is a defect guard.
		slog.Error("cannot serialize envelope for fanout", "event_id", eventID, "error", err)
		return eventID
	}

	for _, c := range d.registry.All() {
		decision := routing.Route(ev.Type, c.Key)
		if !decision.Forward {
			continue
		}
		d.inflight.Add()
		go d.deliver(eventID, ev, c, body, decision.QueueOnFail)
	}
	return eventID
}

// deliver performs one consumer POST and applies the failure policy.
func (d *Dispatcher) deliver(eventID string, ev event.Envelope, c consumer.Descriptor, body []byte, queueOnFail bool) {
	defer d.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	status, err := d.sender.Post(ctx, c, body)
	if d.metrics != nil {
		d.metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil && transport.IsSuccess(status) {
		fields := []any{
			"event_id", eventID,
			"publisher", ev.Source,
			"delivered_to", c.Key,
			"status_code", status,
		}
		if repo, ok := ev.PayloadObjectKey("repo"); ok {
			fields = append(fields, "repo", repo)
		}
		slog.Info("event forwarded", fields...)
		if d.metrics != nil {
			d.metrics.ForwardsTotal.WithLabelValues(c.Key, "success").Inc()
		}
		return
	}

	msg := transport.FailureMessage(status, err)

	if queueOnFail {
		slog.Error("critical forward failed, queueing for retry",
			"event_id", eventID,
			"consumer", c.Key,
			"type", ev.Type,
			"error", msg,
		)
		if d.collector != nil {
			d.collector.ReportAttempt("dispatch", status, err, msg)
		}
		if qerr := d.queue.SaveFailedEvent(ev, c.Key, msg); qerr != nil {
			slog.Error("failed delivery could not be queued",
				"event_id", eventID,
				"consumer", c.Key,
				"error", qerr,
			)
		}
		if d.metrics != nil {
			d.metrics.ForwardsTotal.WithLabelValues(c.Key, "queued").Inc()
		}
		return
	}

	slog.Warn("best-effort forward failed",
		"log_kind", "best_effort_forward_failed",
		"event_id", eventID,
		"consumer", c.Key,
		"type", ev.Type,
		"error", msg,
	)
	if d.metrics != nil {
		d.metrics.ForwardsTotal.WithLabelValues(c.Key, "dropped").Inc()
	}
}
