package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/executor"
	"github.com/urbanfleet/dispatch/pkg/types"
)

// ExecutorServer exposes an executor.Executor over the §6 reference
// HTTP/JSON transport.
type ExecutorServer struct {
	executor *executor.Executor
	logger   zerolog.Logger
}

// NewExecutorServer builds an ExecutorServer bound to exec.
func NewExecutorServer(exec *executor.Executor, logger zerolog.Logger) *ExecutorServer {
	return &ExecutorServer{executor: exec, logger: logger.With().Str("component", "executor-http").Logger()}
}

// Handler builds the mux.Router implementing every executor endpoint in §6.
func (s *ExecutorServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.logger))

	r.HandleFunc("/jobs/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/result", s.handleResult).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

type submitJobPayload struct {
	JobID       string        `json:"job_id"`
	Info        types.JobInfo `json:"info"`
	IsEmergency bool          `json:"is_emergency"`
}

func (s *ExecutorServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body envelopeBody
	if err := decodeEnvelope(r, &body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	env := body.envelope()
	if err := causal.Unwrap(s.executor.Clock, env); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}

	var payload submitJobPayload
	if err := json.Unmarshal(body.Payload, &payload); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	if payload.JobID == "" {
		payload.JobID = id
	}

	if err := s.executor.ReceiveJob(r.Context(), payload.JobID, payload.Info, payload.IsEmergency, env.Clock); err != nil {
		writeErrorKind(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, struct{}{})
}

type resultPayload struct {
	Result []byte `json:"result"`
}

type resultResponse struct {
	Status string            `json:"status"`
	Clock  map[string]uint64 `json:"clock"`
}

func (s *ExecutorServer) handleResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body envelopeBody
	if err := decodeEnvelope(r, &body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	var payload resultPayload
	if err := json.Unmarshal(body.Payload, &payload); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}

	status, err := s.executor.SubmitResult(r.Context(), id, payload.Result, body.SenderID, body.Clock)
	httpStatus := http.StatusOK
	if err != nil {
		httpStatus = statusForError(err)
	}
	writeJSON(w, httpStatus, resultResponse{Status: status, Clock: s.executor.Clock.Snapshot()})
}

func (s *ExecutorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.executor.StatusSnapshot())
}
