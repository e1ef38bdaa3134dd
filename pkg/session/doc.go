// Package session manages persistent conversation history using JSONL files.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same session are serialized.
// - The first line of each file is a metadata record; messages follow in order.
// - Trimming never drops the first system message or the latest user message.
// - A failed append is buffered in memory and flushed on the next write.
//
// Usage:
//
//	mgr, _ := session.New("/tmp/nia/sessions")
//	_ = mgr.Append(ctx, "cli:alice", session.Message{Role: session.RoleUser, Content: "hello"})
//	history, _ := mgr.Load(ctx, "cli:alice")
//	_ = history
package session
