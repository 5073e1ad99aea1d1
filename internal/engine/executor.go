package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// Executor is the surface the outer layers (HTTP, MCP, scheduler) drive.
type Executor interface {
	// Execute validates the request and starts the run asynchronously.
	Execute(ctx context.Context, req schema.ExecutionRequest) *schema.ExecutionResponse
	// Status reports the current state of an execution.
	Status(ctx context.Context, executionID string) (*schema.ExecutionResponse, error)
	// Snapshot returns the full execution record including step history.
	Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	Cancel(ctx context.Context, executionID string) error
	Pause(ctx context.Context, executionID string) error
	Resume(ctx context.Context, executionID string) error
	ListWorkflows(callerType string) []schema.WorkflowSummary
}

// ServiceCaller is the gateway as seen by the executor.
type ServiceCaller interface {
	Call(ctx context.Context, req schema.ServiceRequest, opts ...CallOption) (*schema.ServiceResponse, error)
}

// ContextStore owns the live execution contexts.
type ContextStore interface {
	Create(nc store.NewContext) (*store.ExecutionContext, error)
	Get(id string) (*store.ExecutionContext, error)
	Delete(id string) bool
	Len() int
}

// SnapshotLookup serves executions that are no longer held in memory.
type SnapshotLookup interface {
	GetSnapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
}

// DefaultPoolSize is the default number of concurrently running executions.
const DefaultPoolSize = 10

// ExecutorConfig holds the executor's collaborators.
type ExecutorConfig struct {
	Registry *WorkflowRegistry
	Store    ContextStore
	Gateway  ServiceCaller
	Bus      streaming.EventBus
	// Archive is optional; Status falls back to it after a context is reaped.
	Archive         SnapshotLookup
	PoolSize        int
	Logger          *slog.Logger
	Instrumentation Instrumentation
	Tracer          trace.Tracer
	Now             func() time.Time
}

// WorkflowExecutor walks workflow definitions against execution contexts.
type WorkflowExecutor struct {
	registry *WorkflowRegistry
	store    ContextStore
	gateway  ServiceCaller
	archive  SnapshotLookup
	fsm      *ExecutionFSM
	pool     *WorkerPool
	instr    Instrumentation
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	// mu guards runs.
	mu   sync.Mutex
	runs map[string]*executionRun
}

var _ Executor = (*WorkflowExecutor)(nil)

// executionRun is the control block of one in-flight execution.
type executionRun struct {
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	resume chan struct{}
}

// resumed returns the channel closed by the next Resume.
func (r *executionRun) resumed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resume
}

// pause closes the gate and reports whether it was open.
func (r *executionRun) pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.resume:
		r.resume = make(chan struct{})
		return true
	default:
		return false
	}
}

func (r *executionRun) unpause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.resume:
	default:
		close(r.resume)
	}
}

var (
	// errCancelled is the cancellation cause recorded by Cancel.
	errCancelled    = schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	errShuttingDown = schema.NewError(schema.ErrCodeExecution, "executor is shutting down")
)

// NewExecutor creates a WorkflowExecutor. Registry, Store and Gateway are required.
func NewExecutor(cfg ExecutorConfig) *WorkflowExecutor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/conductor/engine")
	}
	e := &WorkflowExecutor{
		registry: cfg.Registry,
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		archive:  cfg.Archive,
		fsm:      NewExecutionFSM(cfg.Bus, cfg.Now),
		pool:     NewWorkerPool(cfg.PoolSize),
		instr:    instrumentationOrNoop(cfg.Instrumentation),
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		runs:     make(map[string]*executionRun),
	}
	e.fsm.OnAfter(func(ec *store.ExecutionContext, _, to schema.ExecutionState) {
		if to.IsTerminal() {
			e.instr.ExecutionFinished(ec.WorkflowID(), to, e.now().Sub(ec.StartTime()))
		}
	})
	return e
}

// Execute returns immediately. A request naming an unknown workflow or an
// unsupported caller type is rejected and leaves the context store untouched.
func (e *WorkflowExecutor) Execute(ctx context.Context, req schema.ExecutionRequest) *schema.ExecutionResponse {
	now := e.now()
	def, err := e.validate(req)
	if err != nil {
		e.logger.InfoContext(ctx, "execution rejected",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("caller_type", req.CallerType),
			slog.String("reason", err.Message))
		return rejected(req.WorkflowID, now, err)
	}

	if e.pool.Closed() {
		return rejected(req.WorkflowID, now, errShuttingDown)
	}

	var opts schema.ExecutionOptions
	if req.Options != nil {
		opts = *req.Options
	}
	ec, cerr := e.store.Create(store.NewContext{
		WorkflowID: def.ID,
		CallerID:   req.CallerID,
		CallerType: req.CallerType,
		Inputs:     req.Parameters,
		Options:    opts,
		StartTime:  now,
	})
	if cerr != nil {
		return rejected(req.WorkflowID, now, schema.AsConductorError(cerr))
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	run := &executionRun{cancel: cancel, resume: make(chan struct{})}
	close(run.resume)

	e.mu.Lock()
	e.runs[ec.ExecutionID()] = run
	e.mu.Unlock()

	if err := e.pool.Submit(func(poolCtx context.Context) error {
		stop := context.AfterFunc(poolCtx, func() { cancel(errCancelled) })
		defer stop()
		return e.run(runCtx, def, ec)
	}); err != nil {
		cancel(err)
		e.forget(ec.ExecutionID())
		e.store.Delete(ec.ExecutionID())
		return rejected(req.WorkflowID, now, errShuttingDown)
	}

	return &schema.ExecutionResponse{
		ExecutionID: ec.ExecutionID(),
		WorkflowID:  def.ID,
		Status:      schema.StatusAccepted,
		StartTime:   now,
	}
}

func (e *WorkflowExecutor) validate(req schema.ExecutionRequest) (*schema.WorkflowDefinition, *schema.ConductorError) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflowId is required")
	}
	if req.CallerType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "callerType is required")
	}
	def, err := e.registry.Get(req.WorkflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow %q", req.WorkflowID)
	}
	if !def.Supports(req.CallerType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"caller type %q is not supported by workflow %q", req.CallerType, req.WorkflowID)
	}
	if def.InputCheck != nil {
		if err := def.InputCheck(req.Parameters); err != nil {
			ce := schema.AsConductorError(err)
			if ce.Code != schema.ErrCodeValidation {
				ce = schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
			}
			return nil, ce
		}
	}
	return def, nil
}

func rejected(workflowID string, at time.Time, err *schema.ConductorError) *schema.ExecutionResponse {
	return &schema.ExecutionResponse{
		WorkflowID: workflowID,
		Status:     schema.StatusRejected,
		StartTime:  at,
		Error:      &schema.ExecutionError{Code: err.Code, Message: err.Message},
	}
}

// run drives one execution to a terminal state. Whatever happens inside the
// step loop, the context never stays Running once run returns.
func (e *WorkflowExecutor) run(ctx context.Context, def *schema.WorkflowDefinition, ec *store.ExecutionContext) (err error) {
	defer e.forget(ec.ExecutionID())

	if ms := ec.Options().TimeoutMs; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	ctx = logging.WithExecution(ctx, ec.ExecutionID(), def.ID, ec.CallerID())
	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("execution_id", ec.ExecutionID()),
		attribute.String("workflow_id", def.ID),
		attribute.String("caller_type", ec.CallerType()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "panic during execution: %v", r)
			e.failUnhandled(ctx, ec, schema.AsConductorError(err))
		}
		if !ec.State().IsTerminal() {
			e.failUnhandled(ctx, ec, schema.NewError(schema.ErrCodeExecution, "execution ended without a terminal state"))
		}
		if ec.State() == schema.StateFailed {
			span.SetStatus(codes.Error, "workflow failed")
		}
	}()

	e.instr.ExecutionStarted(def.ID)
	e.fsm.Emit(ctx, ec, schema.Event{Kind: schema.EventWorkflowStarted, Result: ec.Inputs()})
	e.logger.InfoContext(ctx, "workflow started", slog.Int("steps", len(def.Steps)))

	for i := range def.Steps {
		step := &def.Steps[i]
		if err := e.checkpoint(ctx, ec); err != nil {
			return e.interrupt(ctx, ec, err)
		}

		decision, stepErr, err := e.executeStep(ctx, def, ec, step)
		if err != nil {
			e.failUnhandled(ctx, ec, schema.AsConductorError(err).WithStep(step.ID))
			return err
		}
		if ctx.Err() != nil {
			return e.interrupt(ctx, ec, ctx.Err())
		}
		if stepErr != nil && decision == schema.ErrorAbort {
			e.logger.WarnContext(ctx, "workflow aborted", slog.String("step_id", step.ID), slog.String("error", stepErr.Error()))
			return e.fsm.Transition(ctx, ec, schema.StateFailed, stepErr)
		}
	}

	if err := e.complete(ctx, ec); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow completed", slog.Duration("elapsed", e.now().Sub(ec.StartTime())))
	return nil
}

// executeStep runs one step. stepErr is the step's own failure after
// retries; err is an unexpected failure that aborts the whole run.
func (e *WorkflowExecutor) executeStep(ctx context.Context, def *schema.WorkflowDefinition, ec *store.ExecutionContext, step *schema.Step) (schema.ErrorDecision, *schema.ConductorError, error) {
	ctx = logging.WithStepID(ctx, step.ID)

	if step.Condition != nil {
		ok, err := step.Condition(ec)
		if err != nil {
			return schema.ErrorAbort, nil, fmt.Errorf("evaluate condition: %w", err)
		}
		if !ok {
			e.instr.StepFinished(def.ID, step.ID, schema.StepSkipped)
			e.logger.DebugContext(ctx, "step skipped by condition")
			return schema.ErrorSkip, nil, ec.SkipStep(step.ID, e.now())
		}
	}

	params := map[string]any{}
	if step.Params != nil {
		resolved, err := step.Params.Resolve(ec)
		if err != nil {
			return schema.ErrorAbort, nil, fmt.Errorf("resolve parameters: %w", err)
		}
		if resolved != nil {
			params = resolved
		}
	}

	idx, err := ec.BeginStep(step.ID, e.now())
	if err != nil {
		return schema.ErrorAbort, nil, err
	}

	policy := def.ErrorHandling.RetryPolicy()
	if step.Retry != nil {
		policy = *step.Retry
	}
	req := schema.ServiceRequest{Service: step.Service, Operation: step.Operation, Parameters: params}

	var resp *schema.ServiceResponse
	callErr := RunWithRetry(ctx, policy, func(ctx context.Context, _ int) error {
		r, err := e.gateway.Call(ctx, req, WithTimeout(step.Timeout))
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		e.logger.DebugContext(ctx, "retrying step",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	})

	if callErr == nil {
		return e.completeStep(ctx, def, ec, step, idx, resp.Data)
	}

	stepErr := stepError(callErr, step.ID)
	if err := ec.FailStep(idx, e.now(), stepErr); err != nil {
		return schema.ErrorAbort, nil, err
	}
	e.instr.StepFinished(def.ID, step.ID, schema.StepError)
	e.fsm.Emit(ctx, ec, schema.Event{Kind: schema.EventStepError, StepID: step.ID, Error: stepErr})

	if ctx.Err() != nil {
		return schema.ErrorAbort, stepErr, nil
	}
	res := ResolveStepFailure(step, def.ErrorHandling, stepErr, ec)
	e.logger.InfoContext(ctx, "step failed",
		slog.String("error", stepErr.Error()),
		slog.String("decision", res.Decision.String()),
		slog.String("decided_by", res.Source))
	return res.Decision, stepErr, nil
}

func (e *WorkflowExecutor) completeStep(ctx context.Context, def *schema.WorkflowDefinition, ec *store.ExecutionContext, step *schema.Step, idx int, result any) (schema.ErrorDecision, *schema.ConductorError, error) {
	if err := ec.CompleteStep(idx, e.now(), result); err != nil {
		return schema.ErrorAbort, nil, err
	}
	if step.OnSuccess != nil {
		if err := step.OnSuccess(result, ec); err != nil {
			return schema.ErrorAbort, nil, fmt.Errorf("success hook: %w", err)
		}
	}
	e.instr.StepFinished(def.ID, step.ID, schema.StepSuccess)
	e.fsm.Emit(ctx, ec, schema.Event{Kind: schema.EventStepCompleted, StepID: step.ID, Result: result})
	return schema.ErrorSkip, nil, nil
}

// stepError copies the failure so the step id is attached without mutating
// an error value that may be shared.
func stepError(err error, stepID string) *schema.ConductorError {
	c := *schema.AsConductorError(err)
	c.StepID = stepID
	return &c
}

// checkpoint holds a paused execution until it is resumed or interrupted.
func (e *WorkflowExecutor) checkpoint(ctx context.Context, ec *store.ExecutionContext) error {
	run := e.lookup(ec.ExecutionID())
	for ec.State() == schema.StatePaused {
		if run == nil {
			return schema.NewError(schema.ErrCodeExecution, "paused execution has no control block")
		}
		select {
		case <-run.resumed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// complete moves ec to Completed. A Pause that lands after the last
// checkpoint wins: the run holds again and completes once resumed.
func (e *WorkflowExecutor) complete(ctx context.Context, ec *store.ExecutionContext) error {
	for {
		if err := e.checkpoint(ctx, ec); err != nil {
			return e.interrupt(ctx, ec, err)
		}
		err := e.fsm.Transition(ctx, ec, schema.StateCompleted, nil)
		if err == nil || !schema.HasCode(err, schema.ErrCodeInvalidTransition) || ec.State() != schema.StatePaused {
			return err
		}
	}
}

// interrupt fails the execution because its context ended: cancellation is
// stored under "cancelled" and deadline expiry under "timeout".
func (e *WorkflowExecutor) interrupt(ctx context.Context, ec *store.ExecutionContext, cause error) error {
	key := schema.ErrorKeyCancelled
	ce := schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	if ctx.Err() == context.DeadlineExceeded {
		key = schema.ErrorKeyTimeout
		ce = schema.NewErrorf(schema.ErrCodeTimeout, "execution exceeded timeout of %dms", ec.Options().TimeoutMs)
	}
	ce.WithCause(cause)
	_ = ec.RecordError(key, ce)
	e.logger.WarnContext(ctx, "workflow interrupted", slog.String("reason", key))
	return e.fsm.Transition(ctx, ec, schema.StateFailed, ce)
}

// failUnhandled stores err under "unhandled" and forces the Failed state.
func (e *WorkflowExecutor) failUnhandled(ctx context.Context, ec *store.ExecutionContext, err *schema.ConductorError) {
	if ec.State().IsTerminal() {
		return
	}
	_ = ec.RecordError(schema.ErrorKeyUnhandled, err)
	e.logger.ErrorContext(ctx, "unhandled execution failure", slog.String("error", err.Error()))
	if terr := e.fsm.Transition(ctx, ec, schema.StateFailed, err); terr != nil {
		e.logger.ErrorContext(ctx, "could not fail execution", slog.String("error", terr.Error()))
	}
}

// Status maps the execution state onto the caller-facing status.
func (e *WorkflowExecutor) Status(ctx context.Context, executionID string) (*schema.ExecutionResponse, error) {
	snap, err := e.Snapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return snap.Response(), nil
}

// Snapshot returns the live context, or the archived copy once reaped.
func (e *WorkflowExecutor) Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	ec, err := e.store.Get(executionID)
	if err == nil {
		return ec.Snapshot(), nil
	}
	if e.archive != nil && schema.HasCode(err, schema.ErrCodeNotFound) {
		return e.archive.GetSnapshot(ctx, executionID)
	}
	return nil, err
}

// Cancel aborts a running or paused execution.
func (e *WorkflowExecutor) Cancel(ctx context.Context, executionID string) error {
	ec, run, err := e.active(executionID)
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "cancelling execution", slog.String("execution_id", ec.ExecutionID()))
	run.cancel(errCancelled)
	return nil
}

// Pause holds a running execution before its next step.
func (e *WorkflowExecutor) Pause(ctx context.Context, executionID string) error {
	ec, run, err := e.active(executionID)
	if err != nil {
		return err
	}
	opened := run.pause()
	if err := e.fsm.Transition(ctx, ec, schema.StatePaused, nil); err != nil {
		if opened {
			run.unpause()
		}
		return err
	}
	return nil
}

// Resume releases a paused execution.
func (e *WorkflowExecutor) Resume(ctx context.Context, executionID string) error {
	ec, run, err := e.active(executionID)
	if err != nil {
		return err
	}
	if err := e.fsm.Transition(ctx, ec, schema.StateRunning, nil); err != nil {
		return err
	}
	run.unpause()
	return nil
}

// ListWorkflows returns the workflows available to callerType.
func (e *WorkflowExecutor) ListWorkflows(callerType string) []schema.WorkflowSummary {
	return e.registry.List(callerType)
}

// Pool exposes worker pool metrics.
func (e *WorkflowExecutor) Pool() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting executions and waits for in-flight ones. When ctx
// ends first the remaining runs are cancelled.
func (e *WorkflowExecutor) Shutdown(ctx context.Context) error {
	return e.pool.Shutdown(ctx)
}

func (e *WorkflowExecutor) active(executionID string) (*store.ExecutionContext, *executionRun, error) {
	ec, err := e.store.Get(executionID)
	if err != nil {
		return nil, nil, err
	}
	run := e.lookup(executionID)
	if run == nil || ec.State().IsTerminal() {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s", executionID, ec.State())
	}
	return ec, run, nil
}

func (e *WorkflowExecutor) lookup(executionID string) *executionRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[executionID]
}

func (e *WorkflowExecutor) forget(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, executionID)
}
