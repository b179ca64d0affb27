package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"privacyvaults/vault-core/indexer"
	"privacyvaults/vault-core/logging"
	"privacyvaults/vault-core/prover"
)

const (
	ProveQueue           = "vault_prove_queue"
	ProveProcessingQueue = "vault_prove_processing_queue"
	FailedQueue          = "vault_failed_queue"

	resultKeyPrefix   = "vault_result_"
	inFlightKeyPrefix = "vault_inflight_"

	resultTTL   = 1 * time.Hour
	inFlightTTL = 10 * time.Minute
)

type RedisQueue struct {
	Client *redis.Client
	Ctx    context.Context
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 4
	opts.DialTimeout = 10 * time.Second
	// BLPOP holds the connection for the whole wait.
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 10 * time.Second
	opts.PoolTimeout = 15 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Logger().Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Int("pool_size", opts.PoolSize).
		Dur("read_timeout", opts.ReadTimeout).
		Msg("Redis client configured")

	return &RedisQueue{Client: client, Ctx: context.Background()}, nil
}

func (rq *RedisQueue) EnqueueProof(queueName string, job *ProofJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := rq.Client.RPush(rq.Ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	logging.Logger().Info().
		Str("job_id", job.ID).
		Str("queue", queueName).
		Msg("Job enqueued successfully")
	return nil
}

// DequeueProof blocks for up to timeout. It returns nil, nil when nothing
// arrived in time.
func (rq *RedisQueue) DequeueProof(queueName string, timeout time.Duration) (*ProofJob, error) {
	result, err := rq.Client.BLPop(rq.Ctx, timeout, queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("invalid result from Redis")
	}

	var job ProofJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (rq *RedisQueue) StoreResult(jobID string, result *prover.Result) error {
	resultData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := resultKeyPrefix + jobID
	if err := rq.Client.Set(rq.Ctx, key, resultData, resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	logging.Logger().Info().
		Str("job_id", jobID).
		Str("key", key).
		Msg("Result stored successfully")

	return nil
}

// GetResult returns redis.Nil when no result is stored for jobID.
func (rq *RedisQueue) GetResult(jobID string) (*prover.Result, error) {
	data, err := rq.Client.Get(rq.Ctx, resultKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}

	var result prover.Result
	if err := json.Unmarshal(data, &result); err != nil {
		logging.Logger().Error().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to unmarshal result")
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

func (rq *RedisQueue) GetQueueStats() (map[string]int64, error) {
	stats := make(map[string]int64)

	for _, queue := range []string{ProveQueue, ProveProcessingQueue, FailedQueue} {
		length, err := rq.Client.LLen(rq.Ctx, queue).Result()
		if err != nil {
			logging.Logger().Warn().Err(err).Str("queue", queue).Msg("Failed to get queue length")
			length = 0
		}
		stats[queue] = length
	}

	return stats, nil
}

// FindJob scans queueName for jobID, also matching the suffixed IDs the
// worker uses for processing and failed entries.
func (rq *RedisQueue) FindJob(queueName, jobID string) (*ProofJob, bool) {
	items, err := rq.Client.LRange(rq.Ctx, queueName, 0, -1).Result()
	if err != nil {
		logging.Logger().Error().
			Err(err).
			Str("queue", queueName).
			Str("job_id", jobID).
			Msg("Error searching queue")
		return nil, false
	}

	for _, item := range items {
		var job ProofJob
		if json.Unmarshal([]byte(item), &job) != nil {
			continue
		}
		if job.ID == jobID || job.ID == jobID+"_processing" || job.ID == jobID+"_failed" {
			return &job, true
		}
	}
	return nil, false
}

// JobStatus reports where jobID currently sits: queued, processing or
// failed. ok is false when it is in none of the queues.
func (rq *RedisQueue) JobStatus(jobID string) (status string, job *ProofJob, ok bool) {
	for _, q := range []struct{ name, status string }{
		{ProveQueue, "queued"},
		{ProveProcessingQueue, "processing"},
		{FailedQueue, "failed"},
	} {
		if job, found := rq.FindJob(q.name, jobID); found {
			return q.status, job, true
		}
	}
	return "", nil, false
}

func (rq *RedisQueue) CleanupOldFailedJobs(maxAge time.Duration) (int64, error) {
	cutoffTime := time.Now().Add(-maxAge)

	removed, err := rq.cleanupOldRequestsFromQueue(FailedQueue, cutoffTime)
	if err != nil {
		logging.Logger().Error().
			Err(err).
			Msg("Failed to cleanup old failed jobs")
		return 0, err
	}

	if removed > 0 {
		logging.Logger().Info().
			Int64("removed_failed_jobs", removed).
			Time("cutoff_time", cutoffTime).
			Msg("Cleaned up old failed jobs")
	}

	return removed, nil
}

func (rq *RedisQueue) cleanupOldRequestsFromQueue(queueName string, cutoffTime time.Time) (int64, error) {
	items, err := rq.Client.LRange(rq.Ctx, queueName, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue items: %w", err)
	}

	var removedCount int64
	for _, item := range items {
		var job ProofJob
		if json.Unmarshal([]byte(item), &job) != nil || !job.CreatedAt.Before(cutoffTime) {
			continue
		}
		count, err := rq.Client.LRem(rq.Ctx, queueName, 1, item).Result()
		if err != nil {
			logging.Logger().Error().
				Err(err).
				Str("job_id", job.ID).
				Str("queue", queueName).
				Msg("Failed to remove old job")
			continue
		}
		removedCount += count
	}

	return removedCount, nil
}

// ComputeInputHash computes a SHA256 hash of the proof input payload
func ComputeInputHash(payload json.RawMessage) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// GetOrSetInFlightJob registers jobID for inputHash unless another job with
// the same input is already in flight, in which case that job's ID is
// returned with isNew false.
func (rq *RedisQueue) GetOrSetInFlightJob(inputHash, jobID string) (existingJobID string, isNew bool, err error) {
	key := inFlightKeyPrefix + inputHash

	set, err := rq.Client.SetNX(rq.Ctx, key, jobID, inFlightTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to check/set in-flight job: %w", err)
	}
	if set {
		return jobID, true, nil
	}

	existing, err := rq.Client.Get(rq.Ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return rq.GetOrSetInFlightJob(inputHash, jobID)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get existing in-flight job: %w", err)
	}

	logging.Logger().Info().
		Str("existing_job_id", existing).
		Str("input_hash", inputHash).
		Msg("Found existing in-flight job with same input")
	return existing, false, nil
}

func (rq *RedisQueue) DeleteInFlightJob(inputHash string) error {
	if err := rq.Client.Del(rq.Ctx, inFlightKeyPrefix+inputHash).Err(); err != nil {
		return fmt.Errorf("failed to delete in-flight job marker: %w", err)
	}
	return nil
}

// PublishCommitment appends a commitment event for indexers consuming
// queueName.
func (rq *RedisQueue) PublishCommitment(queueName string, event indexer.CommitmentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal commitment event: %w", err)
	}
	if err := rq.Client.RPush(rq.Ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to publish commitment event: %w", err)
	}
	return nil
}

// CommitmentSource reads commitment events pushed by the chain watcher onto
// a Redis list. It implements indexer.Source.
type CommitmentSource struct {
	queue     *RedisQueue
	queueName string
	poll      time.Duration
}

func NewCommitmentSource(queue *RedisQueue, queueName string) *CommitmentSource {
	return &CommitmentSource{queue: queue, queueName: queueName, poll: 5 * time.Second}
}

func (s *CommitmentSource) Next(ctx context.Context) (indexer.CommitmentEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return indexer.CommitmentEvent{}, err
		}
		result, err := s.queue.Client.BLPop(ctx, s.poll, s.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return indexer.CommitmentEvent{}, ctx.Err()
			}
			return indexer.CommitmentEvent{}, fmt.Errorf("failed to read %s: %w", s.queueName, err)
		}
		if len(result) < 2 {
			return indexer.CommitmentEvent{}, fmt.Errorf("invalid result from Redis")
		}

		var event indexer.CommitmentEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
			logging.Logger().Warn().
				Err(err).
				Str("queue", s.queueName).
				Str("payload", result[1]).
				Msg("Dropping malformed commitment event")
			continue
		}
		return event, nil
	}
}
