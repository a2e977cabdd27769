// Package durable wraps TradeExecutor submission in a DBOS durable workflow,
// grounded on the teacher's internal/engine/durable/{workflow,engine}.go.
// It is an alternate, opt-in execution path (config app.engine_type:
// durable): each submit becomes a single checkpointed step, so a process
// crash between "order accepted by the exchange" and "pending record
// written" resumes from the DBOS-persisted workflow state instead of
// leaving an orphaned intent neither side knows about.
package durable

import (
	"context"

	"botctl/internal/core"
	"botctl/internal/executor"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// Workflows holds the durable entry points. Unlike the teacher's
// TradingWorkflows (price/order/funding updates across a multi-exchange
// book), this module has exactly one workflow: submit one OrderIntent.
type Workflows struct {
	executor *executor.Executor
}

// NewWorkflows binds workflow steps to the same Executor the simple
// (non-durable) path would use, so both paths enforce the identical
// single-outstanding-order and auth-degraded gates.
func NewWorkflows(exec *executor.Executor) *Workflows {
	return &Workflows{executor: exec}
}

// SubmitIntent is the durable workflow DBOS checkpoints: one step that
// submits the order and records the pending TradeRecord. input must be a
// core.OrderIntent.
func (w *Workflows) SubmitIntent(ctx dbos.DBOSContext, input any) (any, error) {
	intent := input.(core.OrderIntent)

	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, w.executor.Submit(stepCtx, intent)
	})
	return nil, err
}
