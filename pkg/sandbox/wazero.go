package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/urbanfleet/dispatch/pkg/types"
)

// WazeroSandbox runs a job's payload as a compiled WASM module using the
// pure-Go wazero runtime: no cgo, no host container dependency, one runtime
// instance shared across jobs with a fresh module instantiation per run.
type WazeroSandbox struct {
	runtime wazero.Runtime
}

// NewWazeroSandbox builds a runtime with WASI preview1 host imports
// instantiated, ready to run compiled modules.
func NewWazeroSandbox(ctx context.Context) (*WazeroSandbox, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("sandbox: wasi instantiate: %w", err)
	}
	return &WazeroSandbox{runtime: runtime}, nil
}

// Close releases the underlying runtime and every module compiled into it.
func (s *WazeroSandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Run compiles and instantiates info.Payload as a WASM module, letting it
// run to completion (or to ctx's cancellation) and returns whatever it wrote
// to stdout as the job result.
func (s *WazeroSandbox) Run(ctx context.Context, info types.JobInfo) ([]byte, error) {
	compiled, err := s.runtime.CompileModule(ctx, info.Payload)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}
	defer compiled.Close(ctx)

	var stdout bytes.Buffer
	config := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStartFunctions("_start")

	mod, err := s.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, fmt.Errorf("sandbox: instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	return stdout.Bytes(), nil
}
