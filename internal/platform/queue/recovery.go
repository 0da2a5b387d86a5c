package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suever/MATL-Online/internal/domain"
)

// LostJobMessage is reported for jobs whose worker vanished mid-execution.
const LostJobMessage = "The worker running this job stopped unexpectedly"

// StartRecoveryRoutine polls the PEL for stale jobs, tells their subscribers
// the job failed, and acknowledges them. Jobs are never retried.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("Starting Redis recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.recoverStale(ctx, maxAge); n > 0 {
				r.log.Info("Recovered stale jobs", "count", n)
			}
		}
	}
}

func (r *RedisQueue) recoverStale(ctx context.Context, maxAge time.Duration) int {
	recovered := 0
	start := "-"
	for {
		// XAUTOCLAIM: claims messages pending for > maxAge in batches of 10.
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.cfg.Stream,
			Group:    r.cfg.Group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: "recovery-agent",
		}).Result()
		if err != nil {
			r.log.Error("Recovery routine failed", "error", err)
			return recovered
		}

		for _, msg := range messages {
			r.abandon(ctx, msg)
			recovered++
		}

		if len(messages) == 0 || next == "0-0" {
			return recovered
		}
		start = next
	}
}

func (r *RedisQueue) abandon(ctx context.Context, msg redis.XMessage) {
	defer r.ackQuietly(ctx, msg.ID)

	job, err := decodeJob(msg)
	if err != nil {
		r.log.Warn("Stale message is not a job", "msgID", msg.ID, "error", err)
		return
	}
	r.log.Warn("Stale job claimed by recovery agent", "msgID", msg.ID, "jobID", job.ID)

	if room := job.Params.SessionID; room != "" {
		if err := r.Emit(ctx, room, domain.EventComplete, domain.Failed(LostJobMessage)); err != nil {
			r.log.Error("Failed to notify subscriber", "jobID", job.ID, "error", err)
		}
	}
	if job.Params.Mode == domain.ModeExplain {
		result := domain.StatusPayload{
			Data: []domain.Fragment{{Type: domain.FragmentStderr, Value: LostJobMessage}},
		}
		if err := r.StoreResult(ctx, job.ID, result); err != nil {
			r.log.Error("Failed to store result", "jobID", job.ID, "error", err)
		}
	}
}
