// Package eventbus broadcasts fleet events (worker status snapshots, job
// progress, completion, and error notices) to SSE subscribers. Grounded on
// the teacher's progress-service broadcast: a per-subscriber buffered
// channel; a subscriber whose channel is full when a non-terminal event
// arrives is dropped (its channel closed, ending its SSE stream), and
// terminal events are given a bounded blocking send so they are not
// silently lost on a slow client.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
)

// EventType identifies the kind of payload carried by an Event.
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventProgress     EventType = "progress"
	EventCompleted    EventType = "completed"
	EventError        EventType = "error"
)

// subscriberBuffer is the per-subscriber channel depth. Matches the
// teacher's progress service.
const subscriberBuffer = 100

// terminalSendTimeout bounds how long a blocking send to a slow subscriber
// is allowed to hold up a terminal event before it's given up on.
const terminalSendTimeout = 500 * time.Millisecond

// Event is a single message delivered to SSE subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Statistics *models.Statistics     `json:"statistics,omitempty"`
	Workers    []*models.WorkerRecord `json:"workers,omitempty"`

	FileID  uint    `json:"file_id,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
	ETA     int64   `json:"eta,omitempty"`
	Status  string  `json:"status,omitempty"`

	Error string `json:"error,omitempty"`
}

func (e EventType) isTerminal() bool {
	return e == EventCompleted || e == EventError
}

// Subscriber is a single SSE client's event channel.
type Subscriber struct {
	ID     string
	Events chan *Event
}

// Bus fans Event values out to every connected subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	nextID      uint64
	logger      *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With(slog.String("component", "eventbus")),
	}
}

// Subscribe registers a new client and returns its Subscriber handle.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		ID:     fmt.Sprintf("sub-%d", b.nextID),
		Events: make(chan *Event, subscriberBuffer),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a client and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

func (b *Bus) publish(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if event.Type.isTerminal() {
			select {
			case sub.Events <- event:
			case <-time.After(terminalSendTimeout):
				b.logger.Error("failed to deliver terminal event, subscriber channel full",
					slog.String("subscriber_id", sub.ID), slog.String("event_type", string(event.Type)))
			}
			continue
		}
		select {
		case sub.Events <- event:
		default:
			b.logger.Warn("subscriber channel full, dropping subscriber",
				slog.String("subscriber_id", sub.ID), slog.String("event_type", string(event.Type)))
			close(sub.Events)
			delete(b.subscribers, sub.ID)
		}
	}
}

// PublishSnapshot implements scheduler.Publisher: the Monitor calls this
// after every reconciliation pass.
func (b *Bus) PublishSnapshot(s scheduler.Snapshot) {
	b.publish(&Event{
		Type:       EventStatusUpdate,
		Timestamp:  s.Timestamp,
		Statistics: s.Statistics,
		Workers:    s.Workers,
	})
}

// PublishProgress announces an in-flight job's progress update.
func (b *Bus) PublishProgress(fileID uint, percent, speed float64, eta int64, status string) {
	b.publish(&Event{
		Type:      EventProgress,
		Timestamp: time.Now(),
		FileID:    fileID,
		Percent:   percent,
		Speed:     speed,
		ETA:       eta,
		Status:    status,
	})
}

// PublishCompleted announces a file finished transcoding successfully.
func (b *Bus) PublishCompleted(fileID uint) {
	b.publish(&Event{
		Type:      EventCompleted,
		Timestamp: time.Now(),
		FileID:    fileID,
	})
}

// PublishError announces a file failed.
func (b *Bus) PublishError(fileID uint, message string) {
	b.publish(&Event{
		Type:      EventError,
		Timestamp: time.Now(),
		FileID:    fileID,
		Error:     message,
	})
}
