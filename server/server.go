package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
	"privacyvaults/vault-core/indexer"
	"privacyvaults/vault-core/logging"
	merkletree "privacyvaults/vault-core/merkle-tree"
	"privacyvaults/vault-core/note"
	"privacyvaults/vault-core/prover"
)

type Config struct {
	ProverAddress  string
	MetricsAddress string
	Keys           []string
}

// Service bundles what the handlers need. Prover and Queue are optional:
// without a queue, proofs are generated synchronously; without either,
// /withdraw/prove is unavailable.
type Service struct {
	Scheme  *commitment.Scheme
	Indexer *indexer.Indexer
	Prover  prover.Prover
	Queue   *RedisQueue
}

// NewHandler returns the API mux wrapped in auth and CORS.
func NewHandler(config *Config, svc *Service) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", healthHandler{})

	mux.Handle("/notes", instrument("/notes", noteHandler{svc: svc}))
	mux.Handle("/notes/decode", instrument("/notes/decode", noteDecodeHandler{svc: svc}))
	mux.Handle("/notes/metadata", instrument("/notes/metadata", noteMetadataHandler{}))
	mux.Handle("/hash", instrument("/hash", hashHandler{svc: svc}))

	mux.Handle("/tree/root", instrument("/tree/root", treeRootHandler{svc: svc}))
	mux.Handle("/tree/zero-values", instrument("/tree/zero-values", zeroValuesHandler{svc: svc}))
	mux.Handle("/tree/leaves", instrument("/tree/leaves", leavesHandler{svc: svc}))
	mux.Handle("/tree/index", instrument("/tree/index", leafIndexHandler{svc: svc}))
	mux.Handle("/tree/proof", instrument("/tree/proof", treeProofHandler{svc: svc}))

	mux.Handle("/withdraw/inputs", instrument("/withdraw/inputs", withdrawInputsHandler{svc: svc}))
	mux.Handle("/withdraw/prove", instrument("/withdraw/prove", withdrawProveHandler{svc: svc}))
	if svc.Queue != nil {
		mux.Handle("/withdraw/status", instrument("/withdraw/status", proofStatusHandler{redisQueue: svc.Queue}))
		mux.Handle("/queue/stats", queueStatsHandler{redisQueue: svc.Queue})
	}

	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{
			"X-Requested-With",
			"Content-Type",
			"Authorization",
			"X-API-Key",
		}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
	)

	return corsHandler(conditionalAuthMiddleware(config.Keys)(mux))
}

func Run(config *Config, svc *Service) RunningJob {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.MetricsAddress, Handler: metricsMux}
	metricsJob := spawnServerJob(metricsServer, "metrics server")
	logging.Logger().Info().Str("addr", config.MetricsAddress).Msg("metrics server started")

	apiServer := &http.Server{Addr: config.ProverAddress, Handler: NewHandler(config, svc)}
	apiJob := spawnServerJob(apiServer, "vault server")

	logging.Logger().Info().
		Str("addr", config.ProverAddress).
		Bool("queue_enabled", svc.Queue != nil).
		Bool("prover_enabled", svc.Prover != nil).
		Bool("auth_enabled", len(config.Keys) > 0).
		Msg("vault server started")

	return CombineJobs(metricsJob, apiJob)
}

type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func malformedBodyError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "malformed_body", Message: err.Error()}
}

func provingError(err error) *Error {
	return &Error{StatusCode: http.StatusBadGateway, Code: "proving_error", Message: err.Error()}
}

func invalidNoteError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "invalid_note", Message: err.Error()}
}

func unexpectedError(err error) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "unexpected_error", Message: err.Error()}
}

// domainError maps errors from the vault packages onto API errors.
func domainError(err error) *Error {
	switch {
	case errors.Is(err, note.ErrInvalidNoteFormat),
		errors.Is(err, note.ErrInvalidNoteLength),
		errors.Is(err, note.ErrInvalidMetadata),
		errors.Is(err, note.ErrMissingYieldIndex),
		errors.Is(err, prover.ErrNoteMismatch),
		errors.Is(err, prover.ErrProofMismatch):
		return invalidNoteError(err)
	case errors.Is(err, field.ErrInvalidHexEncoding),
		errors.Is(err, commitment.ErrUnknownFlow),
		errors.Is(err, hasher.ErrUnsupportedArity):
		return malformedBodyError(err)
	case errors.Is(err, merkletree.ErrLeafNotFound):
		return &Error{StatusCode: http.StatusNotFound, Code: "leaf_not_found", Message: err.Error()}
	case errors.Is(err, merkletree.ErrTreeCapacityExceeded):
		return &Error{StatusCode: http.StatusConflict, Code: "tree_full", Message: err.Error()}
	case errors.Is(err, indexer.ErrOutOfOrder):
		return &Error{StatusCode: http.StatusConflict, Code: "out_of_order", Message: err.Error()}
	case errors.Is(err, indexer.ErrIngestionActive):
		return &Error{StatusCode: http.StatusConflict, Code: "ingestion_active", Message: "commitments are being ingested from the chain; submit leaves with leafIndex"}
	case errors.Is(err, hasher.ErrHashOracleFailure):
		return &Error{StatusCode: http.StatusBadGateway, Code: "hash_oracle_failure", Message: err.Error()}
	case errors.Is(err, prover.ErrProverFailure):
		return provingError(err)
	default:
		return unexpectedError(err)
	}
}

func (error *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"code":    error.Code,
		"message": error.Message,
	})
}

func (error *Error) send(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(error.StatusCode)
	jsonBytes, err := error.MarshalJSON()
	if err != nil {
		jsonBytes = []byte(`{"code": "unexpected_error", "message": "failed to marshal error"}`)
	}
	length, err := w.Write(jsonBytes)
	if err != nil || length != len(jsonBytes) {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

// readJSON decodes the request body into v, rejecting unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) *Error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return malformedBodyError(err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func spawnServerJob(server *http.Server, label string) RunningJob {
	start := func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("%s failed: %s", label, err))
		}
	}
	shutdown := func() {
		logging.Logger().Info().Msgf("shutting down %s", label)
		err := server.Shutdown(context.Background())
		if err != nil {
			logging.Logger().Error().Err(err).Msgf("error when shutting down %s", label)
		}
		logging.Logger().Info().Msgf("%s shut down", label)
	}
	return SpawnJob(start, shutdown)
}

type healthHandler struct {
}

func (handler healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logging.Logger().Debug().Msg("received health check request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
