package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/executor"
	"github.com/urbanfleet/dispatch/pkg/types"
)

type immediateSandbox struct{}

func (immediateSandbox) Run(ctx context.Context, info types.JobInfo) ([]byte, error) {
	return []byte("ok"), nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyJobCompleted(ctx context.Context, jobID string)            {}
func (noopNotifier) NotifyJobFailed(ctx context.Context, jobID string, reason string) {}

func newTestExecutorServer(t *testing.T) (*executor.Executor, http.Handler) {
	t.Helper()
	cfg := *config.Default()
	e := executor.New("E1", cfg, immediateSandbox{}, noopNotifier{}, zerolog.Nop())
	return e, NewExecutorServer(e, zerolog.Nop()).Handler()
}

func TestSubmitOverHTTPAcceptsAndRunsJob(t *testing.T) {
	_, h := newTestExecutorServer(t)

	payload, err := json.Marshal(submitJobPayload{JobID: "J1", Info: types.JobInfo{}})
	require.NoError(t, err)
	body := envelopeBody{SenderID: "B1", Clock: map[string]uint64{"B1": 1}, Kind: causal.KindNormal, Payload: payload}

	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/jobs/J1/submit", buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitOverHTTPRejectsUnknownMessageKind(t *testing.T) {
	_, h := newTestExecutorServer(t)

	payload, _ := json.Marshal(submitJobPayload{JobID: "J1"})
	body := envelopeBody{SenderID: "B1", Clock: map[string]uint64{"B1": 1}, Kind: "garbage", Payload: payload}

	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/jobs/J1/submit", buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResultOverHTTPFCFS(t *testing.T) {
	_, h := newTestExecutorServer(t)

	payload, err := json.Marshal(resultPayload{Result: []byte("R1")})
	require.NoError(t, err)
	body := envelopeBody{SenderID: "B1", Clock: map[string]uint64{"B1": 3}, Payload: payload}

	post := func() *httptest.ResponseRecorder {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/jobs/J1/result", buf)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	assert.Equal(t, http.StatusOK, first.Code)

	second := post()
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestStatusOverHTTP(t *testing.T) {
	_, h := newTestExecutorServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var status executor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "E1", status.ExecutorID)
}

func TestHTTPExecutorClientRoundTripsThroughExecutorServer(t *testing.T) {
	_, h := newTestExecutorServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	endpoint := srv.Listener.Addr().String()
	client := NewHTTPExecutorClient(2 * time.Second)

	env := causal.Envelope{SenderID: "B1", Clock: map[string]uint64{"B1": 1}, Kind: causal.KindNormal}
	err := client.SubmitJob(context.Background(), endpoint, env, "J1", types.JobInfo{}, false)
	require.NoError(t, err)
}
