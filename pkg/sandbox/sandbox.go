// Package sandbox runs a job's opaque payload and returns its result bytes.
// It is the executor's external collaborator (spec named it "sandbox");
// callers never care which runtime backs the interface.
package sandbox

import (
	"context"

	"github.com/urbanfleet/dispatch/pkg/types"
)

// Sandbox executes one job payload and returns its result, or an error if
// the payload failed or the context was canceled before completion.
type Sandbox interface {
	Run(ctx context.Context, info types.JobInfo) ([]byte, error)
}
