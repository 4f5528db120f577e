package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/urbanfleet/dispatch/pkg/types"
)

// CommandSandbox runs a job's payload as stdin to a fixed host command and
// returns stdout as the result. Grounded in the same exec-and-capture
// pattern used for host-side health probing; useful for local demos and
// tests where a full WASM toolchain is unavailable.
type CommandSandbox struct {
	Command []string
	Timeout time.Duration
}

// NewCommandSandbox builds a CommandSandbox invoking command for every job.
func NewCommandSandbox(command []string) *CommandSandbox {
	return &CommandSandbox{Command: command, Timeout: 30 * time.Second}
}

// Run executes the configured command with info.Payload piped to stdin.
func (s *CommandSandbox) Run(ctx context.Context, info types.JobInfo) ([]byte, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("sandbox: no command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Command[0], s.Command[1:]...)
	cmd.Stdin = bytes.NewReader(info.Payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sandbox: command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
