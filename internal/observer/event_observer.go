package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DiagnosisEvent represents a step in a diagnosis view's lifecycle
type DiagnosisEvent struct {
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	SessionID      string                 `json:"session_id,omitempty"`
	Generation     uint64                 `json:"generation"`
	FileName       string                 `json:"file_name,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`
	Outcome        string                 `json:"outcome,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of diagnosis event
type EventType string

const (
	// ImageSelected when a valid image replaces the held one
	ImageSelected EventType = "image_selected"
	// ImageRejected when a non-image file is selected
	ImageRejected EventType = "image_rejected"
	// SubmissionStarted when a prediction request is issued
	SubmissionStarted EventType = "submission_started"
	// SubmissionSettled when a response is applied to the view
	SubmissionSettled EventType = "submission_settled"
	// SubmissionDiscarded when a response arrives for a view that has since reset
	SubmissionDiscarded EventType = "submission_discarded"
	// ViewClosed when a view is torn down
	ViewClosed EventType = "view_closed"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event DiagnosisEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event DiagnosisEvent)
}

// LoggingObserver logs diagnosis events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) *LoggingObserver {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles diagnosis events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event DiagnosisEvent) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"session_id": event.SessionID,
		"generation": event.Generation,
	}

	if event.FileName != "" {
		fields["file_name"] = event.FileName
	}
	if event.ProcessingTime > 0 {
		fields["processing_time_ms"] = event.ProcessingTime.Milliseconds()
	}
	if event.Outcome != "" {
		fields["outcome"] = event.Outcome
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case ImageSelected:
		entry.Debug("Image selected")
	case ImageRejected:
		entry.Warn("Image rejected")
	case SubmissionStarted:
		entry.Info("Diagnosis submitted")
	case SubmissionSettled:
		if event.ErrorMessage != "" {
			entry.Warn("Diagnosis failed")
		} else {
			entry.Info("Diagnosis completed")
		}
	case SubmissionDiscarded:
		entry.Info("Stale diagnosis response discarded")
	case ViewClosed:
		entry.Debug("Diagnosis view closed")
	default:
		entry.Info("Diagnosis event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver collects counters from diagnosis events
type MetricsObserver struct {
	mu                  sync.RWMutex
	imagesSelected      int64
	imagesRejected      int64
	submissions         int64
	successes           int64
	failures            map[string]int64
	discarded           int64
	totalProcessingTime time.Duration
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{failures: make(map[string]int64)}
}

// OnEvent handles diagnosis events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event DiagnosisEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.EventType {
	case ImageSelected:
		o.imagesSelected++
	case ImageRejected:
		o.imagesRejected++
	case SubmissionStarted:
		o.submissions++
	case SubmissionSettled:
		o.totalProcessingTime += event.ProcessingTime
		if event.ErrorMessage == "" {
			o.successes++
		} else {
			o.failures[event.Outcome]++
		}
	case SubmissionDiscarded:
		o.discarded++
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	settled := o.successes
	failures := make(map[string]int64, len(o.failures))
	for k, v := range o.failures {
		failures[k] = v
		settled += v
	}

	avgProcessingTime := time.Duration(0)
	if settled > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(settled)
	}

	return map[string]interface{}{
		"images_selected":        o.imagesSelected,
		"images_rejected":        o.imagesRejected,
		"submissions":            o.submissions,
		"successful_diagnoses":   o.successes,
		"failed_diagnoses":       failures,
		"discarded_responses":    o.discarded,
		"avg_processing_time_ms": avgProcessingTime.Milliseconds(),
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers an event to every observer in subscription order.
// A panicking observer is logged and skipped.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event DiagnosisEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		notify(ctx, obs, event)
	}
}

func notify(ctx context.Context, obs Observer, event DiagnosisEvent) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}
