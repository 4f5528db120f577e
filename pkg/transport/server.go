package transport

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/urbanfleet/dispatch/pkg/broker"
	"github.com/urbanfleet/dispatch/pkg/types"
)

// RecoveryTracker is how a BrokerServer feeds observed executor liveness
// into the recovery manager's heartbeat-gap history; implemented by
// *recovery.Manager, kept as an interface here for the same reason
// PeerClient and ExecutorClient are interfaces in pkg/broker.
type RecoveryTracker interface {
	Register(executorID string)
	Heartbeat(executorID string)
}

// BrokerServer exposes a broker.Coordinator over the §6 reference HTTP/JSON
// transport.
type BrokerServer struct {
	coordinator *broker.Coordinator
	logger      zerolog.Logger

	// Recovery, when set, is told about every register/heartbeat call so
	// its failure-detection loop has liveness data to act on. A nil
	// Recovery (the default) disables this bridge.
	Recovery RecoveryTracker
}

// NewBrokerServer builds a BrokerServer bound to coordinator.
func NewBrokerServer(coordinator *broker.Coordinator, logger zerolog.Logger) *BrokerServer {
	return &BrokerServer{coordinator: coordinator, logger: logger.With().Str("component", "broker-http").Logger()}
}

// Handler builds the mux.Router implementing every broker endpoint in §6.
func (s *BrokerServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.logger))

	r.HandleFunc("/executors/register/{id}", s.handleRegister).Methods(http.MethodPut)
	r.HandleFunc("/executors/heartbeat/{id}", s.handleHeartbeat).Methods(http.MethodPut)
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/completed", s.handleJobCompleted).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/failed", s.handleJobFailed).Methods(http.MethodPost)
	r.HandleFunc("/broker/sync-metadata", s.handleSyncMetadata).Methods(http.MethodPost)
	r.HandleFunc("/broker/coordination-status", s.handleCoordinationStatus).Methods(http.MethodGet)
	r.HandleFunc("/broker/declare-emergency", s.handleDeclareEmergency).Methods(http.MethodPost)
	r.HandleFunc("/broker/clear-emergency", s.handleClearEmergency).Methods(http.MethodPost)
	return r
}

type registerBody struct {
	Endpoint     string             `json:"endpoint"`
	Capabilities types.Capabilities `json:"capabilities"`
}

type registerResponse struct {
	Clock map[string]uint64 `json:"clock"`
}

func (s *BrokerServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body registerBody
	if err := decodeEnvelope(r, &body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	clock := s.coordinator.RegisterExecutor(id, body.Endpoint, body.Capabilities)
	if s.Recovery != nil {
		s.Recovery.Register(id)
	}
	writeJSON(w, http.StatusOK, registerResponse{Clock: clock})
}

type heartbeatBody struct {
	Capabilities  types.Capabilities `json:"capabilities"`
	Clock         map[string]uint64  `json:"clock"`
	EmergencyMode bool               `json:"emergency_mode"`
	RunningJobs   int                `json:"running_jobs"`
}

func (s *BrokerServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body heartbeatBody
	if err := decodeEnvelope(r, &body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	if err := s.coordinator.Heartbeat(id, body.Capabilities, body.Clock, body.EmergencyMode, body.RunningJobs); err != nil {
		writeErrorKind(w, statusForError(err), err.Error())
		return
	}
	if s.Recovery != nil {
		s.Recovery.Heartbeat(id)
	}
	writeJSON(w, http.StatusOK, registerResponse{Clock: s.coordinator.Clock.Snapshot()})
}

type submitJobRequest struct {
	JobID        string        `json:"job_id"`
	Info         types.JobInfo `json:"info"`
	UserPriority int           `json:"user_priority"`
}

type submitJobResponse struct {
	JobID string            `json:"job_id"`
	Clock map[string]uint64 `json:"clock_snapshot"`
}

func (s *BrokerServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := decodeEnvelope(r, &body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	clock, err := s.coordinator.SubmitJob(body.JobID, body.Info, body.UserPriority)
	if err != nil {
		writeErrorKind(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: body.JobID, Clock: clock})
}

type jobStatusResponse struct {
	JobID  string               `json:"job_id"`
	Status broker.JobStatusKind `json:"status"`
}

func (s *BrokerServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, _ := s.coordinator.JobStatus(id)
	if status == broker.JobStatusUnknown {
		writeErrorKind(w, http.StatusNotFound, types.ErrUnknownJob.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{JobID: id, Status: status})
}

type terminalJobBody struct {
	Reason string `json:"reason,omitempty"`
}

func (s *BrokerServer) handleJobCompleted(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.coordinator.ForgetJob(id)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *BrokerServer) handleJobFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body terminalJobBody
	_ = decodeEnvelope(r, &body)
	s.coordinator.ForgetJob(id)
	s.logger.Warn().Str("job_id", id).Str("reason", body.Reason).Msg("job reported failed by executor")
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *BrokerServer) handleSyncMetadata(w http.ResponseWriter, r *http.Request) {
	var peer types.BrokerMetadata
	if err := decodeEnvelope(r, &peer); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	ours, err := s.coordinator.ReceiveSync(peer)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	writeJSON(w, http.StatusOK, ours)
}

func (s *BrokerServer) handleCoordinationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.CoordinationStatus())
}

type declareEmergencyBody struct {
	Kind  string              `json:"kind"`
	Level types.EmergencyLevel `json:"level"`
}

func (s *BrokerServer) handleDeclareEmergency(w http.ResponseWriter, r *http.Request) {
	var body declareEmergencyBody
	if err := decodeEnvelope(r, &body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, types.ErrTransportMalformed.Error())
		return
	}
	s.coordinator.DeclareEmergency(body.Kind, body.Level)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *BrokerServer) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	s.coordinator.ClearEmergency()
	writeJSON(w, http.StatusOK, struct{}{})
}
