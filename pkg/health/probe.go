package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Result is the outcome of a single Probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Probe checks whether a peer broker's coordination endpoint is reachable
// and answering in the 2xx/3xx range.
type Probe struct {
	// URL is the peer endpoint to probe, e.g.
	// "http://peer.local:8080/broker/coordination-status".
	URL string

	// Method is the HTTP method to use (default: GET).
	Method string

	// ExpectedStatusMin and ExpectedStatusMax bound the status codes
	// treated as healthy (default: 200-399).
	ExpectedStatusMin int
	ExpectedStatusMax int

	Client *http.Client
}

// NewProbe builds a Probe with the package's default timeout and status
// range, ready to call against a discovered peer's endpoint.
func NewProbe(url string) *Probe {
	return &Probe{
		URL:               url,
		Method:            http.MethodGet,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: 5 * time.Second},
	}
}

// WithTimeout overrides the probe's HTTP client timeout.
func (p *Probe) WithTimeout(timeout time.Duration) *Probe {
	p.Client.Timeout = timeout
	return p
}

// Check performs the probe, respecting ctx's deadline.
func (p *Probe) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("failed to build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= p.ExpectedStatusMin && resp.StatusCode <= p.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, p.ExpectedStatusMin, p.ExpectedStatusMax)
	}
	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}
