package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"privacyvaults/vault-core/logging"
	"privacyvaults/vault-core/prover"
)

const withdrawJobType = "withdraw_proof"

type ProofJob struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type QueueWorker interface {
	Start()
	Stop()
}

type BaseQueueWorker struct {
	queue               *RedisQueue
	prover              prover.Prover
	stopChan            chan struct{}
	queueName           string
	processingQueueName string
	proofTimeout        time.Duration
}

// ProveQueueWorker drains withdraw proof jobs and hands them to a prover.
type ProveQueueWorker struct {
	*BaseQueueWorker
}

func NewProveQueueWorker(redisQueue *RedisQueue, p prover.Prover) *ProveQueueWorker {
	return &ProveQueueWorker{
		BaseQueueWorker: &BaseQueueWorker{
			queue:               redisQueue,
			prover:              p,
			stopChan:            make(chan struct{}),
			queueName:           ProveQueue,
			processingQueueName: ProveProcessingQueue,
			proofTimeout:        5 * time.Minute,
		},
	}
}

func (w *BaseQueueWorker) Start() {
	logging.Logger().Info().Str("queue", w.queueName).Msg("Starting queue worker")

	for {
		select {
		case <-w.stopChan:
			logging.Logger().Info().Str("queue", w.queueName).Msg("Queue worker stopping")
			return
		default:
			w.processJobs()
		}
	}
}

func (w *BaseQueueWorker) Stop() {
	close(w.stopChan)
}

func (w *BaseQueueWorker) processJobs() {
	job, err := w.queue.DequeueProof(w.queueName, 5*time.Second)
	if err != nil {
		logging.Logger().Error().Err(err).Str("queue", w.queueName).Msg("Error dequeuing from queue")
		time.Sleep(2 * time.Second)
		return
	}

	if job == nil {
		return
	}

	logging.Logger().Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("queue", w.queueName).
		Msg("Processing proof job")

	// the marker carries no witness
	processingJob := &ProofJob{
		ID:        job.ID + "_processing",
		Type:      "processing",
		CreatedAt: time.Now(),
	}
	if err := w.queue.EnqueueProof(w.processingQueueName, processingJob); err != nil {
		logging.Logger().Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job as processing")
	}

	err = w.processProofJob(job)
	w.removeFromProcessingQueue(job.ID)
	if deleteErr := w.queue.DeleteInFlightJob(ComputeInputHash(job.Payload)); deleteErr != nil {
		logging.Logger().Warn().Err(deleteErr).Str("job_id", job.ID).Msg("Failed to clear in-flight marker")
	}
	RecordJobComplete(err == nil)

	if err != nil {
		logging.Logger().Error().
			Err(err).
			Str("job_id", job.ID).
			Str("queue", w.queueName).
			Msg("Failed to process proof job")

		w.addToFailedQueue(job, err)
	}
}

func (w *BaseQueueWorker) processProofJob(job *ProofJob) error {
	if job.Type != withdrawJobType {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	var inputs prover.WithdrawInputs
	if err := json.Unmarshal(job.Payload, &inputs); err != nil {
		return fmt.Errorf("failed to parse withdraw inputs: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.proofTimeout)
	defer cancel()

	timer := StartProofTimer(inputs.Flow.String())
	result, err := w.prover.Prove(ctx, &inputs)
	if err != nil {
		timer.ObserveError("proving_error")
		return err
	}
	timer.ObserveDuration()

	return w.queue.StoreResult(job.ID, result)
}

func (w *BaseQueueWorker) removeFromProcessingQueue(jobID string) {
	items, err := w.queue.Client.LRange(w.queue.Ctx, w.processingQueueName, 0, -1).Result()
	if err != nil {
		return
	}

	for _, item := range items {
		var job ProofJob
		if json.Unmarshal([]byte(item), &job) == nil && job.ID == jobID+"_processing" {
			w.queue.Client.LRem(w.queue.Ctx, w.processingQueueName, 1, item)
			break
		}
	}
}

func (w *BaseQueueWorker) addToFailedQueue(job *ProofJob, err error) {
	failedJob := map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   job.Type,
		"created_at": job.CreatedAt,
		"error":      err.Error(),
		"failed_at":  time.Now(),
	}

	failedData, _ := json.Marshal(failedJob)
	failedJobStruct := &ProofJob{
		ID:        job.ID + "_failed",
		Type:      "failed",
		Payload:   json.RawMessage(failedData),
		CreatedAt: time.Now(),
	}

	if err := w.queue.EnqueueProof(FailedQueue, failedJobStruct); err != nil {
		logging.Logger().Error().Err(err).Str("job_id", job.ID).Msg("Failed to record failed job")
	}
}
