// Package agent drives the conversational state machine: model calls, tool
// batches and provider failover for one session turn.
//
// Invariants:
// - Turns are serialized per session lane through runqueue.
// - The iteration counter increments on every entry to AwaitingModel and the
//   run fails with a synthesized notice once the cap is reached.
// - Every message the turn produces is persisted as it is produced, so a
//   cancelled run keeps its partial history.
// - Tool results are appended in request order, one per issued call id.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, _ := runner.Run(ctx, agent.RunRequest{
//		SessionKey: "cli:local",
//		Input:      "hello",
//	})
//	_ = result
package agent
