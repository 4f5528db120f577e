package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/types"
)

// HTTPClient is the shared collaborator behind every client in this file; it
// is deliberately small so broker.Coordinator and executor.Executor can be
// wired against it without importing net/http themselves.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds an HTTPClient with the given per-request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body interface{}, out interface{}) (*http.Response, error) {
	return c.doJSON(ctx, http.MethodPost, url, body, out)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body interface{}, out interface{}) (*http.Response, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// RegisterExecutor performs the one-time registration handshake an
// executor makes against its owning broker on startup
// (PUT /executors/register/{id}).
func (c *HTTPClient) RegisterExecutor(ctx context.Context, brokerEndpoint, executorID, executorEndpoint string) error {
	body := struct {
		Endpoint     string             `json:"endpoint"`
		Capabilities types.Capabilities `json:"capabilities"`
	}{Endpoint: executorEndpoint}

	url := fmt.Sprintf("http://%s/executors/register/%s", brokerEndpoint, executorID)
	resp, err := c.doJSON(ctx, http.MethodPut, url, body, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return types.ErrTransportMalformed
	}
	return nil
}

// HTTPPeerClient implements broker.PeerClient over POST /broker/sync-metadata.
type HTTPPeerClient struct{ *HTTPClient }

// NewHTTPPeerClient builds an HTTPPeerClient.
func NewHTTPPeerClient(timeout time.Duration) *HTTPPeerClient {
	return &HTTPPeerClient{NewHTTPClient(timeout)}
}

// SyncMetadata implements broker.PeerClient.
func (c *HTTPPeerClient) SyncMetadata(ctx context.Context, endpoint string, self types.BrokerMetadata) (types.BrokerMetadata, error) {
	var out types.BrokerMetadata
	url := fmt.Sprintf("http://%s/broker/sync-metadata", endpoint)
	resp, err := c.postJSON(ctx, url, self, &out)
	if err != nil {
		return types.BrokerMetadata{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return types.BrokerMetadata{}, types.ErrPeerUnhealthy
	}
	return out, nil
}

// HTTPExecutorClient implements broker.ExecutorClient over
// POST /jobs/{id}/submit.
type HTTPExecutorClient struct{ *HTTPClient }

// NewHTTPExecutorClient builds an HTTPExecutorClient.
func NewHTTPExecutorClient(timeout time.Duration) *HTTPExecutorClient {
	return &HTTPExecutorClient{NewHTTPClient(timeout)}
}

// SubmitJob implements broker.ExecutorClient.
func (c *HTTPExecutorClient) SubmitJob(ctx context.Context, endpoint string, env causal.Envelope, jobID string, info types.JobInfo, isEmergency bool) error {
	payload, err := json.Marshal(submitJobPayload{JobID: jobID, Info: info, IsEmergency: isEmergency})
	if err != nil {
		return err
	}
	body := envelopeBody{
		SenderID:  env.SenderID,
		Clock:     env.Clock,
		Kind:      env.Kind,
		Emergency: env.Emergency,
		Payload:   payload,
	}
	url := fmt.Sprintf("http://%s/jobs/%s/submit", endpoint, jobID)
	resp, err := c.postJSON(ctx, url, body, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return types.ErrTransportMalformed
	}
	return nil
}

// HTTPBrokerNotifier implements executor.BrokerNotifier over
// POST /jobs/{id}/completed and POST /jobs/{id}/failed against the broker
// that dispatched the job.
type HTTPBrokerNotifier struct {
	*HTTPClient
	BrokerEndpoint string
}

// NewHTTPBrokerNotifier builds an HTTPBrokerNotifier pointed at the owning
// broker's endpoint.
func NewHTTPBrokerNotifier(brokerEndpoint string, timeout time.Duration) *HTTPBrokerNotifier {
	return &HTTPBrokerNotifier{HTTPClient: NewHTTPClient(timeout), BrokerEndpoint: brokerEndpoint}
}

// NotifyJobCompleted implements executor.BrokerNotifier.
func (n *HTTPBrokerNotifier) NotifyJobCompleted(ctx context.Context, jobID string) {
	url := fmt.Sprintf("http://%s/jobs/%s/completed", n.BrokerEndpoint, jobID)
	_, _ = n.postJSON(ctx, url, struct{}{}, nil)
}

// NotifyJobFailed implements executor.BrokerNotifier.
func (n *HTTPBrokerNotifier) NotifyJobFailed(ctx context.Context, jobID string, reason string) {
	url := fmt.Sprintf("http://%s/jobs/%s/failed", n.BrokerEndpoint, jobID)
	_, _ = n.postJSON(ctx, url, terminalJobBody{Reason: reason}, nil)
}
