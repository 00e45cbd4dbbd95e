package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
)

// ErrDependencyFailed marks calls skipped because an earlier image-producing
// call in the same chain failed
var ErrDependencyFailed = errors.New("skipped: dependency failed")

// DefaultTimeout bounds one tool call
const DefaultTimeout = 30 * time.Second

// Execution is the outcome of one call together with the buffers it saw
type Execution struct {
	Outcome model.ExecutionOutcome
	Input   *pixel.Buffer
	Image   *pixel.Buffer // result image; the input for info-only tools, nil on failure
}

// Router executes approved calls with a per-call timeout. It never returns an
// error: every failure becomes a failed outcome.
type Router struct {
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRouter creates a router over reg
func NewRouter(reg *Registry, timeout time.Duration, logger zerolog.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{
		registry: reg,
		timeout:  timeout,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs one approved call against img
func (r *Router) Execute(ctx context.Context, call *validation.ApprovedCall, img *pixel.Buffer) Execution {
	start := time.Now()
	exec := Execution{Input: img}
	if call == nil {
		exec.Outcome = model.ExecutionOutcome{Error: "no approved call"}
		return exec
	}

	name := call.ToolName()
	params := call.Params()
	exec.Outcome = model.ExecutionOutcome{ToolName: name, Parameters: params.Map()}

	ctx, span := observability.StartSpan(ctx, "executor.execute", attribute.String("tool", name))
	defer span.End()

	res, err := r.invoke(ctx, call, img)
	elapsed := time.Since(start)
	exec.Outcome.ElapsedMs = elapsed.Milliseconds()

	if err == nil && res.Image == nil && call.Spec().ProducesImage() {
		err = errors.New("tool returned no image")
	}
	if err != nil {
		exec.Outcome.Error = err.Error()
		span.RecordError(err)
		observability.RecordToolExecution(name, false, elapsed)
		r.logger.Warn().Err(err).Str("tool", name).Int64("elapsed_ms", exec.Outcome.ElapsedMs).Msg("Tool execution failed")
		return exec
	}

	exec.Outcome.Success = true
	exec.Outcome.Output = res.Output
	exec.Outcome.ResultImageHandle = uuid.NewString()
	exec.Image = res.Image
	if exec.Image == nil {
		exec.Image = img
	}
	observability.RecordToolExecution(name, true, elapsed)
	r.logger.Info().Str("tool", name).Int64("elapsed_ms", exec.Outcome.ElapsedMs).Msg("Tool executed")
	return exec
}

type invokeResult struct {
	res Result
	err error
}

// invoke calls the tool under the router timeout and converts panics into
// errors
func (r *Router) invoke(ctx context.Context, call *validation.ApprovedCall, img *pixel.Buffer) (Result, error) {
	if img == nil {
		return Result{}, errors.New("no input image")
	}
	tool, ok := r.registry.Lookup(call.ToolName())
	if !ok {
		return Result{}, fmt.Errorf("no implementation registered for tool %s", call.ToolName())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Str("tool", call.ToolName()).Msg("Tool panicked")
				done <- invokeResult{err: fmt.Errorf("tool %s crashed: %v", call.ToolName(), p)}
			}
		}()
		res, err := tool.Execute(ctx, img, call.Params())
		done <- invokeResult{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return Result{}, fmt.Errorf("timed out after %s", r.timeout)
		}
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("timed out after %s", r.timeout)
		}
		return Result{}, fmt.Errorf("cancelled: %w", ctx.Err())
	}
}

// RunChain executes calls strictly in order, feeding each image-producing
// call the previous result. Once an image-producing call fails, later
// image-producing calls are skipped; info-only calls still run on the last
// good image.
func (r *Router) RunChain(ctx context.Context, calls []*validation.ApprovedCall, img *pixel.Buffer) []Execution {
	out := make([]Execution, 0, len(calls))
	current := img
	failed := false

	for _, call := range calls {
		if call == nil {
			continue
		}
		produces := call.Spec().ProducesImage()

		if err := ctx.Err(); err != nil {
			out = append(out, skipped(call, current, fmt.Errorf("cancelled: %w", err)))
			continue
		}
		if failed && produces {
			out = append(out, skipped(call, current, ErrDependencyFailed))
			continue
		}

		exec := r.Execute(ctx, call, current)
		out = append(out, exec)
		if !produces {
			continue
		}
		if exec.Outcome.Success {
			current = exec.Image
		} else {
			failed = true
		}
	}
	return out
}

func skipped(call *validation.ApprovedCall, img *pixel.Buffer, err error) Execution {
	return Execution{
		Input: img,
		Outcome: model.ExecutionOutcome{
			ToolName:   call.ToolName(),
			Parameters: call.Params().Map(),
			Error:      err.Error(),
		},
	}
}
