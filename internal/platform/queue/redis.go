package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suever/MATL-Online/internal/domain"
)

// Config names the Redis keys the queue uses.
type Config struct {
	Addr          string
	Stream        string
	Group         string
	EventsChannel string
	CancelChannel string
	// ResultTTL bounds how long an unclaimed explain result is kept.
	ResultTTL time.Duration
}

// RedisQueue implements the job queue with Redis Streams and the event and
// cancel relays with Redis Pub/Sub.
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	log    *slog.Logger
}

// Ensure RedisQueue satisfies the interfaces
var (
	_ domain.JobQueue    = (*RedisQueue)(nil)
	_ domain.EventBus    = (*RedisQueue)(nil)
	_ domain.CancelBus   = (*RedisQueue)(nil)
	_ domain.ResultStore = (*RedisQueue)(nil)
)

// NewRedisQueue connects to Redis and fails fast if it is unreachable.
func NewRedisQueue(ctx context.Context, cfg Config, log *slog.Logger) (*RedisQueue, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Minute
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisQueue{client: rdb, cfg: cfg, log: log}, nil
}

// Close releases the connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs read with XREADGROUP (Consumer). The
// channel closes when ctx ends.
//
// When ready is non-nil a token is taken from it before each job is read, so
// jobs stay in the stream for other consumers until this one has room.
func (r *RedisQueue) Subscribe(ctx context.Context, ready <-chan struct{}) (<-chan domain.Job, error) {
	// MkStream guarantees the stream exists even if empty.
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	outCh := make(chan domain.Job)
	consumer := consumerName()

	go func() {
		defer close(outCh)

		claimed := false
		for ctx.Err() == nil {
			if ready != nil && !claimed {
				select {
				case <-ready:
					claimed = true
				case <-ctx.Done():
					return
				}
			}

			// Block for at most 2s so cancellation is noticed.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.cfg.Group,
				Consumer: consumer,
				Streams:  []string{r.cfg.Stream, ">"},
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.log.Error("Redis read error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						r.log.Error("Dropping malformed job", "msgID", msg.ID, "error", err)
						r.ackQuietly(ctx, msg.ID)
						continue
					}
					select {
					case outCh <- job:
						claimed = false
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, rawID).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", rawID, err)
	}
	return nil
}

func (r *RedisQueue) ackQuietly(ctx context.Context, rawID string) {
	if err := r.Acknowledge(ctx, rawID); err != nil {
		r.log.Warn("Acknowledge failed", "error", err)
	}
}

// Emit encodes payload and broadcasts it to room.
func (r *RedisQueue) Emit(ctx context.Context, room, name string, payload any) error {
	event, err := domain.NewEvent(room, name, payload)
	if err != nil {
		return err
	}
	return r.Broadcast(ctx, event)
}

// Broadcast publishes an event to every gateway.
func (r *RedisQueue) Broadcast(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.cfg.EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Name, err)
	}
	return nil
}

// SubscribeEvents streams events from all workers.
func (r *RedisQueue) SubscribeEvents(ctx context.Context) (<-chan domain.Event, error) {
	return subscribe(ctx, r, r.cfg.EventsChannel, func(payload string) (domain.Event, error) {
		var event domain.Event
		err := json.Unmarshal([]byte(payload), &event)
		return event, err
	})
}

// Cancel asks whichever worker runs jobID to stop it.
func (r *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	if err := r.client.Publish(ctx, r.cfg.CancelChannel, jobID).Err(); err != nil {
		return fmt.Errorf("failed to publish cancel for %s: %w", jobID, err)
	}
	return nil
}

// SubscribeCancels streams the ids of jobs to cancel.
func (r *RedisQueue) SubscribeCancels(ctx context.Context) (<-chan string, error) {
	return subscribe(ctx, r, r.cfg.CancelChannel, func(payload string) (string, error) {
		if payload == "" {
			return "", errors.New("empty job id")
		}
		return payload, nil
	})
}

// StoreResult hands a synchronous result to the waiting gateway.
func (r *RedisQueue) StoreResult(ctx context.Context, jobID string, result domain.StatusPayload) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := resultKey(r.cfg.Stream, jobID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, r.cfg.ResultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store result for %s: %w", jobID, err)
	}
	return nil
}

// AwaitResult blocks until the result for jobID is stored or timeout passes.
func (r *RedisQueue) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (domain.StatusPayload, error) {
	values, err := r.client.BLPop(ctx, timeout, resultKey(r.cfg.Stream, jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusPayload{}, domain.ErrNoResult
	}
	if err != nil {
		return domain.StatusPayload{}, fmt.Errorf("failed to read result for %s: %w", jobID, err)
	}

	// BLPOP replies with [key, value].
	var result domain.StatusPayload
	if err := json.Unmarshal([]byte(values[1]), &result); err != nil {
		return domain.StatusPayload{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

func subscribe[T any](ctx context.Context, r *RedisQueue, channel string, decode func(string) (T, error)) (<-chan T, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	outCh := make(chan T)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				value, err := decode(msg.Payload)
				if err != nil {
					r.log.Error("Failed to decode message", "channel", channel, "error", err)
					continue
				}
				select {
				case outCh <- value:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, errors.New("missing job field")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	// Capture the Redis Stream ID so we can ACK later
	job.RawID = msg.ID
	return job, nil
}

func resultKey(stream, jobID string) string {
	return stream + ":result:" + jobID
}

// consumerName is unique per worker process (e.g: hostname-pid).
func consumerName() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
