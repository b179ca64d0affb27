package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/logging"
	"privacyvaults/vault-core/note"
	"privacyvaults/vault-core/prover"
)

type WithdrawRequest struct {
	Note      string          `json:"note"`
	Recipient field.Element   `json:"recipient"`
	Flow      commitment.Flow `json:"flow"`
}

// buildInputs decodes the note, locates its leaf and assembles the witness
// against the current root.
func (svc *Service) buildInputs(ctx context.Context, req *WithdrawRequest) (*prover.WithdrawInputs, *Error) {
	n, err := note.Decode(req.Note)
	if err != nil {
		return nil, invalidNoteError(err)
	}
	leaf, err := prover.Leaf(ctx, svc.Scheme, n)
	if err != nil {
		return nil, domainError(err)
	}
	proof, err := svc.Indexer.ProofOf(leaf)
	if err != nil {
		return nil, domainError(err)
	}
	inputs, err := prover.BuildWithdrawInputs(ctx, svc.Scheme, n, proof, req.Recipient, req.Flow)
	if err != nil {
		return nil, domainError(err)
	}
	return inputs, nil
}

type withdrawInputsHandler struct {
	svc *Service
}

func (handler withdrawInputsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req WithdrawRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}
	inputs, apiErr := handler.svc.buildInputs(r.Context(), &req)
	if apiErr != nil {
		apiErr.send(w)
		return
	}
	writeJSON(w, http.StatusOK, inputs)
}

type withdrawProveHandler struct {
	svc *Service
}

func (handler withdrawProveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if handler.svc.Queue == nil && handler.svc.Prover == nil {
		(&Error{
			StatusCode: http.StatusServiceUnavailable,
			Code:       "prover_unavailable",
			Message:    "no prover or job queue is configured",
		}).send(w)
		return
	}

	var req WithdrawRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}
	inputs, apiErr := handler.svc.buildInputs(r.Context(), &req)
	if apiErr != nil {
		apiErr.send(w)
		return
	}

	if handler.svc.Queue != nil {
		handler.handleAsyncProof(w, inputs)
		return
	}
	handler.handleSyncProof(w, r, inputs)
}

func (handler withdrawProveHandler) handleAsyncProof(w http.ResponseWriter, inputs *prover.WithdrawInputs) {
	queue := handler.svc.Queue
	payload, err := json.Marshal(inputs)
	if err != nil {
		unexpectedError(err).send(w)
		return
	}

	jobID := uuid.New().String()
	inputHash := ComputeInputHash(payload)
	activeJobID, isNew, err := queue.GetOrSetInFlightJob(inputHash, jobID)
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	if !isNew {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id":       activeJobID,
			"status":       "queued",
			"deduplicated": true,
			"message":      "An identical proof request is already in flight",
		})
		return
	}

	job := &ProofJob{
		ID:        jobID,
		Type:      withdrawJobType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := queue.EnqueueProof(ProveQueue, job); err != nil {
		logging.Logger().Error().Err(err).Msg("Failed to enqueue proof job")
		if delErr := queue.DeleteInFlightJob(inputHash); delErr != nil {
			logging.Logger().Warn().Err(delErr).Msg("Failed to clear in-flight marker")
		}
		(&Error{
			StatusCode: http.StatusServiceUnavailable,
			Code:       "queue_unavailable",
			Message:    fmt.Sprintf("failed to queue proof request: %v", err),
		}).send(w)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     jobID,
		"status":     "queued",
		"flow":       inputs.Flow.String(),
		"status_url": "/withdraw/status?job_id=" + jobID,
		"message":    getStatusMessage("queued"),
	})
}

func (handler withdrawProveHandler) handleSyncProof(w http.ResponseWriter, r *http.Request, inputs *prover.WithdrawInputs) {
	timer := StartProofTimer(inputs.Flow.String())
	result, err := handler.svc.Prover.Prove(r.Context(), inputs)
	if err != nil {
		timer.ObserveError("proving_error")
		logging.Logger().Error().Err(err).Str("flow", inputs.Flow.String()).Msg("Withdraw proof failed")
		domainError(err).send(w)
		return
	}
	timer.ObserveDuration()
	writeJSON(w, http.StatusOK, result)
}

type proofStatusHandler struct {
	redisQueue *RedisQueue
}

func (handler proofStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		malformedBodyError(fmt.Errorf("job_id parameter required")).send(w)
		return
	}

	if !isValidJobID(jobID) {
		notFoundError := &Error{
			StatusCode: http.StatusBadRequest,
			Code:       "invalid_job_id",
			Message:    "Invalid job ID format. Job ID must be a valid UUID.",
		}
		notFoundError.send(w)
		return
	}

	result, err := handler.redisQueue.GetResult(jobID)
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.Logger().Error().
			Err(err).
			Str("job_id", jobID).
			Msg("Error retrieving result")
		unexpectedError(err).send(w)
		return
	}
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"status": "completed",
			"result": result,
		})
		return
	}

	status, job, found := handler.redisQueue.JobStatus(jobID)
	if !found {
		notFoundError := &Error{
			StatusCode: http.StatusNotFound,
			Code:       "job_not_found",
			Message:    fmt.Sprintf("Job with ID %s not found. It may have expired or never existed.", jobID),
		}
		notFoundError.send(w)
		return
	}

	response := map[string]interface{}{
		"job_id":     jobID,
		"status":     status,
		"created_at": job.CreatedAt,
		"message":    getStatusMessage(status),
	}
	if status == "failed" {
		var failure struct {
			Error    string    `json:"error"`
			FailedAt time.Time `json:"failed_at"`
		}
		if json.Unmarshal(job.Payload, &failure) == nil && failure.Error != "" {
			response["message"] = fmt.Sprintf("Job processing failed: %s", failure.Error)
			response["error"] = failure.Error
			response["failed_at"] = failure.FailedAt
		}
	}
	writeJSON(w, http.StatusAccepted, response)
}

func isValidJobID(jobID string) bool {
	_, err := uuid.Parse(jobID)
	return err == nil
}

func getStatusMessage(status string) string {
	switch status {
	case "queued":
		return "Job is queued and waiting to be processed"
	case "processing":
		return "Job is currently being processed"
	case "failed":
		return "Job processing failed. Check the failed queue for details"
	case "completed":
		return "Job completed successfully"
	default:
		return "Job status unknown"
	}
}

type queueStatsHandler struct {
	redisQueue *RedisQueue
}

func (handler queueStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := handler.redisQueue.GetQueueStats()
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": stats})
}
