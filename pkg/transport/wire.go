// Package transport is the reference HTTP/JSON binding of the broker and
// executor interfaces. Job dispatch and result submission bodies carry a
// CausalMessage envelope; the other endpoints exchange plain JSON bodies
// without one. Business-level error kinds map to the status codes spec'd
// for the wire (§6/§7).
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeErrorKind(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, errorBody{Error: kind})
}

// statusForError maps a business-level error kind to the stable HTTP status
// code spec'd in §6. Errors with no explicit mapping fall back to 500, which
// no documented error kind should ever produce.
func statusForError(err error) int {
	switch {
	case errors.Is(err, types.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, types.ErrAlreadyAccepted):
		return http.StatusConflict
	case errors.Is(err, types.ErrNoCapableExecutor):
		return http.StatusPreconditionFailed
	case errors.Is(err, types.ErrQueueSaturated):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrUnknownJob), errors.Is(err, types.ErrUnknownExecutor):
		return http.StatusNotFound
	case errors.Is(err, types.ErrPeerUnhealthy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeEnvelope reads a request body into v, rejecting bodies that don't
// even parse as JSON with the transport-malformed error kind.
func decodeEnvelope(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// envelopeBody is the wire shape for endpoints that carry a full
// CausalMessage envelope alongside a typed payload, used where the
// receiver must merge the sender's clock per §4.2 before acting (job
// dispatch and result submission).
type envelopeBody struct {
	SenderID  string                   `json:"sender_id"`
	Clock     map[string]uint64        `json:"vector_clock"`
	Kind      causal.MessageKind       `json:"message_kind"`
	Emergency *causal.EmergencyContext `json:"emergency_context,omitempty"`
	Payload   json.RawMessage          `json:"payload"`
}

func (e envelopeBody) envelope() causal.Envelope {
	return causal.Envelope{SenderID: e.SenderID, Clock: e.Clock, Kind: e.Kind, Emergency: e.Emergency}
}
