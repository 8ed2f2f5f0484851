// Package reconcile keeps a durable queue of compensating credits that could
// not be applied inline, and a worker that drains it.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/metrics"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxTries   = 3
	defaultRetryDelay = 5 * time.Second
	popTimeout        = 2 * time.Second
)

// ErrNotOwed reports a compensation that must not be applied, either because
// its ref already landed or because the debit it refunds turned into a voucher.
var ErrNotOwed = errors.New("compensation not owed")

// Job is a compensating credit. Ref makes it apply at most once. VoucherID
// names the voucher whose mint failed; the credit is owed only if that
// voucher does not exist.
type Job struct {
	AccountID string    `json:"account_id"`
	Points    int64     `json:"points"`
	Reason    string    `json:"reason"`
	Ref       string    `json:"ref,omitempty"`
	VoucherID string    `json:"voucher_id,omitempty"`
	Tries     int       `json:"tries"`
	Created   time.Time `json:"created"`
}

type FailedJob struct {
	Job   Job       `json:"job"`
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

// Crediter applies a compensating credit without touching the scan time.
type Crediter interface {
	Compensate(ctx context.Context, job Job) (*model.Account, error)
}

type Queue struct {
	redis      *redis.Client
	key        string
	maxTries   int
	retryDelay time.Duration
}

func New(client *redis.Client, prefix string) *Queue {
	return &Queue{
		redis:      client,
		key:        prefix + ":compensations",
		maxTries:   defaultMaxTries,
		retryDelay: defaultRetryDelay,
	}
}

func (q *Queue) failedKey() string {
	return q.key + ":failed"
}

func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.Created.IsZero() {
		job.Created = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		logger.Errorf("Failed to marshal compensation job: %v", err)
		return err
	}

	if err := q.redis.LPush(ctx, q.key, data).Err(); err != nil {
		logger.Errorf("Failed to queue compensation for %s: %v", job.AccountID, err)
		return err
	}

	metrics.RecordCompensation("queued")
	logger.Info("compensation queued", "account_id", job.AccountID, "points", job.Points, "reason", job.Reason, "ref", job.Ref)
	return nil
}

// Start drains the queue until ctx is cancelled.
func (q *Queue) Start(ctx context.Context, crediter Crediter) {
	logger.Info("Compensation worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Compensation worker stopped")
			return
		default:
			q.processNext(ctx, crediter)
		}
	}
}

// processNext handles at most one job and reports whether one was popped.
func (q *Queue) processNext(ctx context.Context, crediter Crediter) bool {
	result, err := q.redis.BRPop(ctx, popTimeout, q.key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Warn("compensation queue pop failed", "error", err)
		}
		return false
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		logger.Errorf("Bad compensation data: %v", err)
		return true
	}

	job.Tries++
	acc, err := crediter.Compensate(ctx, job)
	switch {
	case err == nil:
		metrics.RecordCompensation("applied")
		logger.Info("compensation applied", "account_id", job.AccountID, "points", job.Points, "balance", acc.Balance, "attempt", job.Tries)
		return true
	case errors.Is(err, ErrNotOwed):
		metrics.RecordCompensation("skipped")
		logger.Info("compensation skipped", "account_id", job.AccountID, "ref", job.Ref, "reason", err)
		return true
	}

	logger.Error("compensation failed", "account_id", job.AccountID, "attempt", job.Tries, "error", err)
	// The worker context may already be cancelled; the job must survive.
	keep := context.WithoutCancel(ctx)
	if job.Tries < q.maxTries && store.IsRetryable(err) {
		select {
		case <-ctx.Done():
		case <-time.After(q.retryDelay):
		}
		q.push(keep, q.key, job, job)
		return true
	}

	q.saveFailed(keep, job, err)
	return true
}

func (q *Queue) saveFailed(ctx context.Context, job Job, err error) {
	failed := FailedJob{Job: job, Error: err.Error(), Time: time.Now()}
	if !q.push(ctx, q.failedKey(), job, failed) {
		return
	}
	metrics.RecordCompensation("failed")
	logger.Error("compensation moved to failed queue", "account_id", job.AccountID, "points", job.Points, "ref", job.Ref)
}

// push writes v to key. A write that fails drops the job, so it is counted
// as lost with enough detail to replay it by hand.
func (q *Queue) push(ctx context.Context, key string, job Job, v any) bool {
	data, err := json.Marshal(v)
	if err == nil {
		err = q.redis.LPush(ctx, key, data).Err()
	}
	if err != nil {
		metrics.RecordCompensation("lost")
		logger.Error("compensation lost", "key", key, "account_id", job.AccountID, "points", job.Points,
			"reason", job.Reason, "ref", job.Ref, "voucher_id", job.VoucherID, "error", err)
		return false
	}
	return true
}

func (q *Queue) Length(ctx context.Context) int64 {
	length, _ := q.redis.LLen(ctx, q.key).Result()
	metrics.CompensationQueueLength.Set(float64(length))
	return length
}

// Failed lists jobs that exhausted their retries, newest first.
func (q *Queue) Failed(ctx context.Context) ([]FailedJob, error) {
	raw, err := q.redis.LRange(ctx, q.failedKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]FailedJob, 0, len(raw))
	for _, item := range raw {
		var job FailedJob
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			logger.Warn("skipping malformed failed compensation", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) Close() error {
	return q.redis.Close()
}
