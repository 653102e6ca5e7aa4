package engine

import (
	"context"
	"fmt"
	"time"
)

// DefaultHandlerTimeout is the fallback hook-handler timeout named in
// spec.md §5 ("Handler timeouts: hook handlers carry a timeout (default
// 30s)").
const DefaultHandlerTimeout = 30 * time.Second

// nodeTimeout resolves node's effective timeout: its own override, else
// the engine-wide default, else DefaultHandlerTimeout.
func nodeTimeout(node NodeDef, engineDefault time.Duration) time.Duration {
	if node.Timeout > 0 {
		return node.Timeout
	}
	if engineDefault > 0 {
		return engineDefault
	}
	return DefaultHandlerTimeout
}

// runLifecycleWithTimeout races RunLifecycle against timeout, returning a
// typed timeout error envelope if the deadline passes first. The
// underlying goroutine is not forcibly killed — Go offers no preemption —
// so a handler that ignores cancellation keeps running in the background
// until it returns on its own.
func runLifecycleWithTimeout(ctx context.Context, h Handler, req *ExecutionRequest, inbound map[string]Envelope, registry *ServiceRegistry, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		return RunLifecycle(h, req, inbound, registry)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		env Envelope
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		env, err := RunLifecycle(h, req, inbound, registry)
		done <- outcome{env, err}
	}()

	select {
	case o := <-done:
		return o.env, o.err
	case <-timeoutCtx.Done():
		return Envelope{}, fmt.Errorf("engine: node %s exceeded timeout of %v", req.NodeID, timeout)
	}
}
