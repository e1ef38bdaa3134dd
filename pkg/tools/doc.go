// Package tools registers capabilities and dispatches model tool calls.
//
// Invariants:
// - Capability names are unique.
// - Arguments are schema-validated before execution; undeclared fields are rejected.
// - Dispatch never returns an error: every failure becomes a model-visible Result.
// - A deadline breach is retried exactly once; security violations are never retried.
// - DispatchAll preserves request order and costs the wall clock of the slowest call.
//
// Usage:
//
//	reg := tools.NewRegistry()
//	_ = reg.Register(tools.Definition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []tools.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return args["text"], nil },
//	})
//	result := reg.Dispatch(ctx, call, tools.Options{Timeout: 30 * time.Second})
package tools
