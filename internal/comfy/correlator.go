package comfy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// AwaitCompletion reads src until the service reports that nothing is left
// to execute for id. Events for other prompts are ignored.
//
// When ctx ends, src is closed to unblock the pending read and the result is
// ErrTimeout (deadline) or ctx.Err(). The caller still owns src and should
// Close it as usual; Close is idempotent.
func AwaitCompletion(ctx context.Context, src EventSource, id PromptID) error {
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	for {
		ev, err := src.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return fmt.Errorf("%w: waiting for prompt %s", ErrTimeout, id)
				}
				return ctxErr
			}
			if errors.Is(err, ErrEndOfStream) {
				return fmt.Errorf("%w: %w", ErrStreamClosedPrematurely, err)
			}
			return fmt.Errorf("%w: %w", ErrCorrelationFailed, err)
		}

		switch e := ev.(type) {
		case ExecutingEvent:
			if e.PromptID != id {
				continue
			}
			if e.Done() {
				return nil
			}
			slog.Debug("node executing", "prompt_id", id, "node", *e.Node)
		case ExecutionErrorEvent:
			if e.PromptID == id {
				return fmt.Errorf("%w: node %s (%s): %s: %s", ErrExecutionFailed,
					e.NodeID, e.NodeType, e.ExceptionType, e.ExceptionMessage)
			}
		case ExecutionInterruptedEvent:
			if e.PromptID == id {
				return fmt.Errorf("%w: interrupted at node %s", ErrExecutionFailed, e.NodeID)
			}
		}
	}
}
