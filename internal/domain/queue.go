package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoResult is returned by ResultStore.AwaitResult when nothing arrived in time.
var ErrNoResult = errors.New("no result before timeout")

// Job is a unit of work travelling from the gateway to a worker.
type Job struct {
	ID     string `json:"id"`
	Params Params `json:"params"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// Event is a subscriber channel event addressed to a room.
type Event struct {
	Room    string          `json:"room"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into an Event for room.
func NewEvent(room, name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Event{Room: room, Name: name, Payload: data}, nil
}

// JobQueue defines the contract for a distributed job queue.
// It decouples the application from the underlying message broker (Redis, RabbitMQ, etc.).
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams jobs from the queue.
	// It handles the details of consumer groups internally. A non-nil ready
	// channel must yield once for every job the caller can take.
	Subscribe(ctx context.Context, ready <-chan struct{}) (<-chan Job, error)

	// Acknowledge confirms that a job has been processed.
	// This removes it from the Pending Entry list (PEL).
	Acknowledge(ctx context.Context, rawID string) error
}

// Emitter publishes events to subscriber rooms.
type Emitter interface {
	Emit(ctx context.Context, room, name string, payload any) error
}

// EventBus fans events out from workers to every gateway instance.
type EventBus interface {
	Emitter

	// SubscribeEvents returns a channel that streams events from all workers.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}

// CancelBus relays kill requests from the gateway to the worker running a job.
type CancelBus interface {
	Cancel(ctx context.Context, jobID string) error
	SubscribeCancels(ctx context.Context) (<-chan string, error)
}

// ResultStore hands synchronous results (explain mode) back to the gateway.
type ResultStore interface {
	StoreResult(ctx context.Context, jobID string, result StatusPayload) error
	AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (StatusPayload, error)
}
