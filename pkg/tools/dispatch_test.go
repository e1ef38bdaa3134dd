package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
)

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}))
	return reg
}

func call(name, id, args string) session.ToolCall {
	return session.ToolCall{ID: id, Name: name, Arguments: []byte(args)}
}

func TestDispatch_Success(t *testing.T) {
	reg := echoRegistry(t)

	result := reg.Dispatch(context.Background(), call("echo", "c1", `{"text":"hello"}`), Options{})

	assert.False(t, result.IsError)
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, "c1", result.CallID)
	assert.Equal(t, "echo", result.Name)
	assert.False(t, result.Retried)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestDispatch_UnknownTool(t *testing.T) {
	reg := NewRegistry()

	result := reg.Dispatch(context.Background(), call("nonexistent", "c1", `{}`), Options{})

	assert.True(t, result.IsError)
	assert.Equal(t, fault.KindValidation, result.Fault)
	assert.Contains(t, result.Content, "unknown tool")
	assert.Equal(t, "c1", result.CallID)
}

func TestDispatch_InvalidArguments(t *testing.T) {
	reg := echoRegistry(t)

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "missing required field", args: `{}`, want: "text"},
		{name: "undeclared field rejected", args: `{"text":"hi","bogus":1}`, want: "bogus"},
		{name: "malformed JSON", args: `{not json`, want: "JSON object"},
		{name: "non-object payload", args: `[1,2,3]`, want: "JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := reg.Dispatch(context.Background(), call("echo", "c1", tt.args), Options{})

			assert.True(t, result.IsError)
			assert.Equal(t, fault.KindValidation, result.Fault)
			assert.Contains(t, result.Content, "invalid arguments")
			assert.Contains(t, result.Content, tt.want)
		})
	}
}

func TestDispatch_ClassifiedHandlerError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "reminder",
		Description: "Set a reminder",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, fault.New(fault.KindExecution, "reminder.set", "the reminder time is in the past")
		},
	}))

	result := reg.Dispatch(context.Background(), call("reminder", "c1", `{}`), Options{})

	assert.True(t, result.IsError)
	assert.Equal(t, fault.KindExecution, result.Fault)
	assert.Equal(t, "the reminder time is in the past", result.Content)
}

func TestDispatch_UnclassifiedErrorStaysOutOfContent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "flaky",
		Description: "Fails with a raw driver error",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("dial tcp 10.0.0.3:5432: connection refused")
		},
	}))

	result := reg.Dispatch(context.Background(), call("flaky", "c1", `{}`), Options{})

	assert.True(t, result.IsError)
	assert.Equal(t, fault.KindExecution, result.Fault)
	assert.Contains(t, result.Content, "failed during execution")
	assert.NotContains(t, result.Content, "10.0.0.3")
}

func TestDispatch_PanicRecovered(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("index out of range [3] with length 2")
		},
	}))

	result := reg.Dispatch(context.Background(), call("panicky", "c1", `{}`), Options{})

	assert.True(t, result.IsError)
	assert.Equal(t, fault.KindExecution, result.Fault)
	assert.NotContains(t, result.Content, "index out of range")
}

func TestDispatch_TimeoutRetriesOnce(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "slow_start",
		Description: "Slow on the first call only",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				time.Sleep(500 * time.Millisecond)
			}
			return "ok", nil
		},
	}))

	result := reg.Dispatch(context.Background(), call("slow_start", "c1", `{}`), Options{Timeout: 80 * time.Millisecond})

	assert.False(t, result.IsError)
	assert.Equal(t, "ok", result.Content)
	assert.True(t, result.Retried)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestDispatch_TimeoutAfterRetry(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "always_slow",
		Description: "Never finishes in time",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&attempts, 1)
			time.Sleep(500 * time.Millisecond)
			return "too late", nil
		},
	}))

	result := reg.Dispatch(context.Background(), call("always_slow", "c1", `{}`), Options{Timeout: 60 * time.Millisecond})

	assert.True(t, result.IsError)
	assert.Equal(t, fault.KindTimeout, result.Fault)
	assert.True(t, result.Retried)
	assert.Contains(t, result.Content, "timed out")
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestDispatch_SecurityNeverRetried(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "read_file",
		Description: "Read a workspace file",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, fault.New(fault.KindSecurity, "read_file", "path escapes the workspace root")
		},
	}))

	result := reg.Dispatch(context.Background(), call("read_file", "c1", `{}`), Options{})

	assert.True(t, result.IsError)
	assert.Equal(t, fault.KindSecurity, result.Fault)
	assert.Equal(t, "path escapes the workspace root", result.Content)
	assert.False(t, result.Retried)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestDispatch_OutputTruncation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "big",
		Description: "Large output",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return strings.Repeat("A", 500), nil
		},
	}))

	result := reg.Dispatch(context.Background(), call("big", "c1", `{}`), Options{MaxResultChars: 100})

	assert.False(t, result.IsError)
	assert.True(t, result.Truncated)
	assert.Contains(t, result.Content, "truncated")
	assert.Len(t, result.Content, 100+len(truncationMarker))
}

func TestDispatch_StructuredOutputRendersAsJSON(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "weather",
		Description: "Weather lookup",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"city": "Oslo", "temp_c": 12}, nil
		},
	}))

	result := reg.Dispatch(context.Background(), call("weather", "c1", `{}`), Options{})

	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"city":"Oslo","temp_c":12}`, result.Content)
}

func TestDispatchAll_PreservesRequestOrder(t *testing.T) {
	reg := echoRegistry(t)

	calls := []session.ToolCall{
		call("echo", "c1", `{"text":"first"}`),
		call("echo", "c2", `{"text":"second"}`),
		call("echo", "c3", `{"text":"third"}`),
	}

	results := reg.DispatchAll(context.Background(), calls, Options{})

	require.Len(t, results, 3)
	for i, want := range []string{"first", "second", "third"} {
		assert.Equal(t, calls[i].ID, results[i].CallID)
		assert.Equal(t, want, results[i].Content)
	}
}

func TestDispatchAll_SlowestCallBoundsTheTurn(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name:        "sleep",
		Description: "Sleep for a duration",
		Parameters: []Parameter{
			{Name: "ms", Type: "integer", Description: "Sleep duration in ms", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			ms := int(args["ms"].(float64))
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return fmt.Sprintf("slept %dms", ms), nil
		},
	}))

	calls := []session.ToolCall{
		call("sleep", "c1", `{"ms":200}`),
		call("sleep", "c2", `{"ms":200}`),
		call("sleep", "c3", `{"ms":2000}`),
	}

	start := time.Now()
	results := reg.DispatchAll(context.Background(), calls, Options{Timeout: 250 * time.Millisecond})
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.False(t, results[0].IsError)
	assert.False(t, results[1].IsError)
	assert.True(t, results[2].IsError)
	assert.Equal(t, fault.KindTimeout, results[2].Fault)

	// Two attempts at 250ms bound the slow call; a sequential run would
	// cost the sum of all three.
	assert.Less(t, elapsed, 800*time.Millisecond)
}

func TestDispatchAll_EmptyBatch(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.DispatchAll(context.Background(), nil, Options{}))
}

func TestResult_Message(t *testing.T) {
	result := Result{CallID: "c9", Name: "get_time", Content: "12:30"}

	msg := result.Message()

	assert.Equal(t, session.RoleTool, msg.Role)
	assert.Equal(t, "c9", msg.ToolCallID)
	assert.Equal(t, "get_time", msg.Name)
	assert.Equal(t, "12:30", msg.Content)
}
