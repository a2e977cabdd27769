package durable

import (
	"fmt"
	"time"

	"botctl/internal/core"
	"botctl/internal/executor"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// Engine is the durable alternative to calling Executor.Submit directly: the
// bot worker's intent is handed to DBOS instead, which checkpoints the
// submission and survives a process restart mid-flight.
type Engine struct {
	dbosCtx   dbos.DBOSContext
	workflows *Workflows
	logger    core.ILogger
}

// NewEngine wraps exec behind a durable workflow. dbosCtx must already be
// constructed against app.database_url (see newDBOSContext in
// internal/bootstrap) and have its
// workflows registered before Launch is called.
func NewEngine(dbosCtx dbos.DBOSContext, exec *executor.Executor, logger core.ILogger) *Engine {
	return &Engine{
		dbosCtx:   dbosCtx,
		workflows: NewWorkflows(exec),
		logger:    logger.WithField("component", "durable_engine"),
	}
}

// Start launches the DBOS runtime. Workflow functions must already be
// registered against dbosCtx by the caller (dbos.RegisterWorkflow happens
// at process startup, before Launch, per DBOS's own requirement).
func (e *Engine) Start() error {
	e.logger.Info("starting durable engine")
	return e.dbosCtx.Launch()
}

// Stop shuts the DBOS runtime down, giving in-flight steps 30s to finish.
func (e *Engine) Stop() error {
	e.logger.Info("stopping durable engine")
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// SubmitIntent runs the durable submit workflow to completion and returns
// its error, mirroring executor.Executor.Submit's signature so bot workers
// don't need to know which execution mode is active.
func (e *Engine) SubmitIntent(intent core.OrderIntent) error {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.SubmitIntent, intent)
	if err != nil {
		return fmt.Errorf("durable engine: start submit workflow: %w", err)
	}
	_, err = handle.GetResult()
	return err
}
