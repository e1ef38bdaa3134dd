// Package subagent delegates goals to background child loops.
//
// Each spawned task runs in its own session, isolated from the parent
// history, with a reduced iteration cap. Tasks share one scheduling lane
// whose concurrency is the global ceiling; spawns beyond it queue and are
// never rejected. When a task reaches a terminal state the supervisor
// posts a single summary message into the parent session and, when an
// Announcer is wired, hands the task to the runtime so the parent agent
// can react.
//
// The task ledger is persisted as JSON (written to a temp file, then
// renamed) so finished work survives restarts until retention cleanup
// drops it.
package subagent
