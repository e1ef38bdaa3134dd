// Package memory gives the agent long-term recall. Facts live as lines in a
// markdown note file a person can read and edit; a sqlite index (FTS5 plus
// optional sqlite-vec embeddings) over that file and any sibling markdown
// makes them searchable. The index is rebuilt lazily: writes and external
// edits mark it dirty, the next search syncs.
//
//	store, _ := memory.New(memory.Config{Dir: "/home/u/.nia/memory"})
//	defer store.Close()
//	store.SaveNote(ctx, "timezone", "user is in UTC+7")
//	extract, _ := store.Extract(ctx, "what timezone am I in?")
package memory
