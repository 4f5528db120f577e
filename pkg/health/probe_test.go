package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewProbe(server.URL).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Positive(t, result.Duration)
}

func TestProbeUnhealthyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result := NewProbe(server.URL).Check(context.Background())
	assert.False(t, result.Healthy, "a peer returning 503 must be treated as unreachable, not healthy")
}

func TestProbeUnreachableEndpoint(t *testing.T) {
	result := NewProbe("http://127.0.0.1:1").Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestProbeTimesOutOnSlowPeer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewProbe(server.URL).WithTimeout(10 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy, "a peer slower than the probe timeout must count as down, same as discovery treats any other dead peer")
}

func TestProbeRespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewProbe(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
}
