package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
)

const truncationMarker = "\n... [output truncated]"

// Dispatch runs one capability call and always returns a Result; failures
// of any kind are folded into it so the model can see them and adapt.
// Timeouts get exactly one retry. Security violations are final.
func (r *Registry) Dispatch(ctx context.Context, call session.ToolCall, opts Options) Result {
	opts = opts.withDefaults()
	if opts.SessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, opts.SessionKey)
	}
	if call.ID != "" {
		ctx = tracing.WithToolCallID(ctx, call.ID)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.tools",
		"tools.dispatch",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	result := r.dispatch(ctx, call, opts, logger)
	result.Duration = time.Since(start)

	kind := ""
	if result.IsError {
		kind = string(result.Fault)
		span.SetStatus(codes.Error, result.Content)
	}
	observability.RecordToolDispatch(call.Name, result.Duration, !result.IsError, kind)

	status := "ok"
	if result.IsError {
		status = string(result.Fault)
	}
	observability.RecordToolAudit(ctx, opts.SessionKey, call.Name, status, map[string]interface{}{
		"call_id":     call.ID,
		"duration_ms": result.Duration.Milliseconds(),
	})
	if result.Fault == fault.KindSecurity {
		observability.RecordSecurityAudit(ctx, opts.SessionKey, "tool:"+call.Name, result.Content)
	}

	logEvent := logger.Debug()
	if result.IsError {
		logEvent = logger.Warn().Str("fault", string(result.Fault))
	}
	logEvent.
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Dur("duration", result.Duration).
		Bool("retried", result.Retried).
		Msg("Tool dispatched")

	return result
}

func (r *Registry) dispatch(ctx context.Context, call session.ToolCall, opts Options, logger zerolog.Logger) Result {
	base := Result{CallID: call.ID, Name: call.Name}

	r.mu.RLock()
	def := r.defs[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if def == nil {
		return errorResult(base, fault.KindValidation,
			fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return errorResult(base, fault.KindValidation,
			fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}
	if err := validateArguments(schema, args); err != nil {
		return errorResult(base, fault.KindValidation,
			fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}

	var lastErr error
	retried := false
	for attempt := 0; attempt < 2; attempt++ {
		output, err := runExecutor(ctx, def.Handler, args, opts.Timeout, call.Name)
		if err == nil {
			content, truncated := renderOutput(output, opts.MaxResultChars)
			base.Content = content
			base.Truncated = truncated
			base.Retried = retried
			return base
		}

		lastErr = err
		if !fault.IsKind(err, fault.KindTimeout) || attempt > 0 {
			break
		}
		retried = true
		logger.Warn().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Dur("timeout", opts.Timeout).
			Msg("Tool timed out, retrying once")
	}

	kind := fault.KindOf(lastErr)
	base.Retried = retried

	switch kind {
	case fault.KindSecurity, fault.KindTimeout, fault.KindValidation, fault.KindStorage:
		return errorResult(base, kind, lastErr.Error())
	default:
		// Raw executor errors stay in the logs; the model sees a plain
		// sentence unless the capability classified its own failure.
		var fe *fault.Error
		if errors.As(lastErr, &fe) && fe.Msg != "" {
			return errorResult(base, kind, fe.Msg)
		}
		logger.Error().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Err(lastErr).
			Msg("Tool execution failed")
		return errorResult(base, fault.KindExecution,
			fmt.Sprintf("tool %s failed during execution", call.Name))
	}
}

// DispatchAll runs the calls of one assistant turn concurrently, each under
// its own deadline, and returns results in request order. The batch costs
// the wall clock of its slowest call.
func (r *Registry) DispatchAll(ctx context.Context, calls []session.ToolCall, opts Options) []Result {
	if len(calls) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"nia.tools",
		"tools.dispatch_all",
		attribute.Int("batch_size", len(calls)),
	)
	defer span.End()
	start := time.Now()

	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call session.ToolCall) {
			defer wg.Done()
			results[i] = r.Dispatch(ctx, call, opts)
		}(i, call)
	}
	wg.Wait()

	observability.RecordToolBatch(len(calls), time.Since(start))

	return results
}

// runExecutor invokes the handler in its own goroutine under a deadline.
// A panic inside the handler is recovered into an execution failure. On a
// deadline breach the goroutine is abandoned; its eventual return goes to a
// buffered channel nobody reads.
func runExecutor(ctx context.Context, handler Handler, args map[string]interface{}, timeout time.Duration, name string) (output interface{}, err error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fault.New(fault.KindExecution, "tools.dispatch",
					fmt.Sprintf("tool %s failed during execution", name))}
				log.Error().
					Str("tool", name).
					Interface("panic", rec).
					Msg("Tool handler panicked")
			}
		}()
		value, err := handler(timeoutCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, fault.Wrapf(fault.KindExecution, "tools.dispatch", ctx.Err(),
				"tool %s was cancelled", name)
		}
		return nil, fault.New(fault.KindTimeout, "tools.dispatch",
			fmt.Sprintf("tool %s timed out after %s and was stopped", name, timeout))
	}
}

func decodeArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object")
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		msgs = append(msgs, verr.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// renderOutput flattens a handler return into model-visible text and caps
// it at maxChars.
func renderOutput(output interface{}, maxChars int) (string, bool) {
	var text string
	switch v := output.(type) {
	case nil:
		text = ""
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		if data, err := json.Marshal(v); err == nil {
			text = string(data)
		} else {
			text = fmt.Sprintf("%v", v)
		}
	}

	if len(text) <= maxChars {
		return text, false
	}
	return text[:maxChars] + truncationMarker, true
}

func errorResult(base Result, kind fault.Kind, content string) Result {
	base.IsError = true
	base.Fault = kind
	base.Content = content
	return base
}
