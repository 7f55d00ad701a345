package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Event describes something that happened during a run
type Event struct {
	EventType    EventType              `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	RunID        string                 `json:"run_id,omitempty"`
	ImageID      string                 `json:"image_id,omitempty"`
	Index        int                    `json:"index"`
	Duration     time.Duration          `json:"duration"`
	Success      bool                   `json:"success"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of pipeline event
type EventType string

const (
	// RunStarted when a batch begins
	RunStarted EventType = "run_started"
	// RunCompleted when every row of a batch is recorded
	RunCompleted EventType = "run_completed"
	// ItemCompleted when one item produced a prediction
	ItemCompleted EventType = "item_completed"
	// ItemFailed when one item failed
	ItemFailed EventType = "item_failed"
	// ImageFetched when an image source returned an image
	ImageFetched EventType = "image_fetched"
	// ImageFetchFailed when an image source failed
	ImageFetchFailed EventType = "image_fetch_failed"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event Event)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event Event)
}

// LoggingObserver logs pipeline events
type LoggingObserver struct {
	logger *logrus.Entry
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Entry) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

// OnEvent logs the event at a level matching its type
func (o *LoggingObserver) OnEvent(_ context.Context, event Event) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"duration":   event.Duration,
	}
	if event.RunID != "" {
		fields["run_id"] = event.RunID
	}
	if event.ImageID != "" {
		fields["image_id"] = event.ImageID
		fields["index"] = event.Index
	}
	if event.ErrorMessage != "" {
		fields["error_kind"] = event.ErrorKind
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case RunStarted:
		entry.Info("Pipeline run started")
	case RunCompleted:
		entry.Info("Pipeline run completed")
	case ItemCompleted:
		entry.Debug("Item completed")
	case ItemFailed:
		entry.Warn("Item failed")
	case ImageFetched:
		entry.Debug("Image fetched successfully")
	case ImageFetchFailed:
		entry.Error("Image fetch failed")
	default:
		entry.Info("Pipeline event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver exports pipeline events as prometheus metrics and keeps
// a small in-process summary.
type MetricsObserver struct {
	runs         prometheus.Counter
	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram
	runDuration  prometheus.Histogram
	fetches      *prometheus.CounterVec

	totalRuns atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	itemNanos atomic.Int64
}

// NewMetricsObserver creates the collectors and registers them on reg.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	o := &MetricsObserver{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wanglab_runs_total",
			Help: "Pipeline runs started.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wanglab_items_total",
			Help: "Items processed, by status and error kind.",
		}, []string{"status", "error_kind"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wanglab_item_duration_seconds",
			Help:    "Time from dispatch to prediction for one item.",
			Buckets: prometheus.DefBuckets,
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wanglab_run_duration_seconds",
			Help:    "Wall time of a whole run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wanglab_image_fetches_total",
			Help: "Image fetches, by outcome.",
		}, []string{"status"}),
	}
	reg.MustRegister(o.runs, o.items, o.itemDuration, o.runDuration, o.fetches)
	return o
}

// OnEvent handles pipeline events by updating metrics
func (o *MetricsObserver) OnEvent(_ context.Context, event Event) {
	switch event.EventType {
	case RunStarted:
		o.runs.Inc()
		o.totalRuns.Add(1)
	case RunCompleted:
		o.runDuration.Observe(event.Duration.Seconds())
	case ItemCompleted:
		o.items.WithLabelValues("success", "").Inc()
		o.itemDuration.Observe(event.Duration.Seconds())
		o.succeeded.Add(1)
		o.itemNanos.Add(int64(event.Duration))
	case ItemFailed:
		o.items.WithLabelValues("failed", event.ErrorKind).Inc()
		o.failed.Add(1)
	case ImageFetched:
		o.fetches.WithLabelValues("success").Inc()
	case ImageFetchFailed:
		o.fetches.WithLabelValues("failed").Inc()
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	succeeded := o.succeeded.Load()
	avg := time.Duration(0)
	if succeeded > 0 {
		avg = time.Duration(o.itemNanos.Load() / succeeded)
	}

	return map[string]interface{}{
		"total_runs":        o.totalRuns.Load(),
		"succeeded_items":   succeeded,
		"failed_items":      o.failed.Load(),
		"avg_item_duration": avg,
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
	pending   sync.WaitGroup
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

// NotifyObservers notifies all observers of an event
func (p *EventPublisher) NotifyObservers(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	// Notify observers concurrently
	for _, observer := range observers {
		p.pending.Add(1)
		go func(obs Observer) {
			defer p.pending.Done()
			defer func() {
				if r := recover(); r != nil {
					// Log panic but don't crash the application
					logrus.WithField("observer", obs.GetObserverName()).
						WithField("panic", r).
						Error("Observer panicked while handling event")
				}
			}()
			obs.OnEvent(ctx, event)
		}(observer)
	}
}

// Wait blocks until every notification sent so far has been handled.
func (p *EventPublisher) Wait() {
	p.pending.Wait()
}
