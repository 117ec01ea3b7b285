package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a job lifecycle event.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	JobID     string                 `json:"job_id,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeJobSubmitted     = "job.submitted"
	EventTypeJobStarted       = "job.started"
	EventTypeJobSucceeded     = "job.succeeded"
	EventTypeJobFailed        = "job.failed"
	EventTypeStageStarted     = "stage.started"
	EventTypePartitionReaped  = "partition.reaped"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeJobInterrupted   = "job.interrupted"
	EventTypePartitionCleaned = "partition.cleaned"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers.
// A nil or disabled publisher drops events.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishJobSubmitted publishes a job accepted event.
func (ep *EventPublisher) PublishJobSubmitted(jobID, resource, mode string) error {
	return ep.Publish(Event{
		Type:     EventTypeJobSubmitted,
		Source:   "scheduler",
		JobID:    jobID,
		Resource: resource,
		Message:  fmt.Sprintf("Job %s submitted for %s", jobID, resource),
		Data:     map[string]interface{}{"mode": mode},
	})
}

// PublishJobStarted publishes a job started event.
func (ep *EventPublisher) PublishJobStarted(jobID, resource string) error {
	return ep.Publish(Event{
		Type:     EventTypeJobStarted,
		Source:   "scheduler",
		JobID:    jobID,
		Resource: resource,
		Message:  fmt.Sprintf("Job %s started", jobID),
	})
}

// PublishJobFinished publishes a succeeded or failed event.
func (ep *EventPublisher) PublishJobFinished(jobID, resource string, succeeded bool, code string, duration time.Duration) error {
	event := Event{
		Type:     EventTypeJobSucceeded,
		Source:   "scheduler",
		JobID:    jobID,
		Resource: resource,
		Message:  fmt.Sprintf("Job %s succeeded", jobID),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"duration": duration.Seconds()},
	}
	if !succeeded {
		event.Type = EventTypeJobFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Job %s failed: %s", jobID, code)
		event.Data["code"] = code
	}
	return ep.Publish(event)
}

// PublishStageStarted publishes a stage transition.
func (ep *EventPublisher) PublishStageStarted(jobID, resource, stage string) error {
	return ep.Publish(Event{
		Type:     EventTypeStageStarted,
		Source:   "runner",
		JobID:    jobID,
		Resource: resource,
		Stage:    stage,
		Message:  fmt.Sprintf("Job %s entered stage %s", jobID, stage),
	})
}

// PublishJobInterrupted publishes the recovery of an orphaned job.
func (ep *EventPublisher) PublishJobInterrupted(jobID, resource string) error {
	return ep.Publish(Event{
		Type:     EventTypeJobInterrupted,
		Source:   "scheduler",
		JobID:    jobID,
		Resource: resource,
		Message:  fmt.Sprintf("Job %s was interrupted by a restart", jobID),
		Level:    EventLevelWarning,
	})
}

// PublishPartitionReaped publishes a reaper removal.
func (ep *EventPublisher) PublishPartitionReaped(resource string, partitionRemoved bool) error {
	return ep.Publish(Event{
		Type:     EventTypePartitionReaped,
		Source:   "reaper",
		Resource: resource,
		Message:  fmt.Sprintf("Reaped expired dry-run records of %s", resource),
		Data:     map[string]interface{}{"partition_removed": partitionRemoved},
	})
}

// PublishPartitionCleaned publishes an explicit cleanup.
func (ep *EventPublisher) PublishPartitionCleaned(resource string, forced bool) error {
	return ep.Publish(Event{
		Type:     EventTypePartitionCleaned,
		Source:   "scheduler",
		Resource: resource,
		Message:  fmt.Sprintf("Partition of %s cleaned up", resource),
		Data:     map[string]interface{}{"forced": forced},
	})
}

// PublishPolicyViolation publishes an admission denial.
func (ep *EventPublisher) PublishPolicyViolation(resource, policyName, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "gateway",
		Resource: resource,
		Message:  fmt.Sprintf("Policy violation on %s: %s - %s", resource, policyName, reason),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls every matching subscriber in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops delivery.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByResource creates a filter that only allows events for one resource.
func FilterByResource(resource string) EventFilter {
	return func(event Event) bool {
		return event.Resource == resource
	}
}
