package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink delivers events over one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) (Delivery, error)
}

// Dispatcher fans an event out to every sink. Delivery is best effort: each
// sink gets its own timeout, failures are logged and recorded, never returned.
type Dispatcher struct {
	sinks    []Sink
	recorder DeliveryRecorder
	timeout  time.Duration
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration, recorder DeliveryRecorder, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:    sinks,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger.With(zap.String("service", "notifications")),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) []DeliveryResult {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	results := make([]DeliveryResult, len(d.sinks))
	deliveries := make([]Delivery, len(d.sinks))
	var wg sync.WaitGroup
	for i, sink := range d.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], deliveries[i] = d.deliver(ctx, sink, event)
		}()
	}
	wg.Wait()

	d.record(ctx, event, results, deliveries)
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, event Event) (result DeliveryResult, delivery Delivery) {
	result.Sink = sink.Name()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result.Status = DeliveryStatusFailed
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.Duration = time.Since(start)
		d.logResult(event, result)
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	delivery, err := sink.Send(sendCtx, event)
	result.Recipient = delivery.Recipient
	switch {
	case err == nil:
		result.Status = DeliveryStatusSent
	case errors.Is(err, ErrNoRecipient):
		result.Status = DeliveryStatusSkipped
	default:
		result.Status = DeliveryStatusFailed
		result.Error = err.Error()
	}
	return result, delivery
}

func (d *Dispatcher) logResult(event Event, result DeliveryResult) {
	fields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.Type)),
		zap.String("request_id", event.RequestID),
		zap.String("sink", result.Sink),
		zap.Duration("duration", result.Duration),
	}
	switch result.Status {
	case DeliveryStatusFailed:
		d.logger.Warn("Notification delivery failed", append(fields, zap.String("error", result.Error))...)
	case DeliveryStatusSkipped:
		d.logger.Debug("Notification sink skipped", fields...)
	default:
		d.logger.Info("Notification delivered", fields...)
	}
}

func (d *Dispatcher) record(ctx context.Context, event Event, results []DeliveryResult, deliveries []Delivery) {
	if d.recorder == nil || len(results) == 0 {
		return
	}
	payload, _ := json.Marshal(event)

	entries := make([]DeliveryLog, 0, len(results))
	for i, r := range results {
		entries = append(entries, DeliveryLog{
			EventID:           event.ID.String(),
			EventType:         string(event.Type),
			RequestID:         event.RequestID,
			Sink:              r.Sink,
			Recipient:         r.Recipient,
			Status:            r.Status,
			Error:             r.Error,
			ProviderMessageID: deliveries[i].ProviderMessageID,
			Payload:           payload,
			DurationMs:        r.Duration.Milliseconds(),
		})
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.recorder.Record(recordCtx, entries); err != nil {
		d.logger.Warn("Failed to record notification deliveries",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
}
