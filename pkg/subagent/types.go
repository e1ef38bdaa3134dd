package subagent

// Status is the lifecycle state of a background task. Transitions are
// monotonic: pending, then running, then exactly one terminal state. A
// task cancelled while still queued skips running.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SpawnRequest describes one background delegation.
type SpawnRequest struct {
	ParentSessionKey string
	Goal             string
	// CallID is the id of the tool call that asked for the spawn. It is
	// recorded on the summary message so the outcome can be traced back
	// to the request.
	CallID string
	// Model optionally overrides the child's model.
	Model string
}

// Task is one background delegation tracked by the supervisor.
// Timestamps are unix milliseconds.
type Task struct {
	ID               string `json:"id"`
	ParentSessionKey string `json:"parent_session_key"`
	ChildSessionKey  string `json:"child_session_key"`
	Goal             string `json:"goal"`
	CallID           string `json:"call_id,omitempty"`
	Model            string `json:"model,omitempty"`
	Status           Status `json:"status"`
	CreatedAt        int64  `json:"created_at"`
	StartedAt        *int64 `json:"started_at,omitempty"`
	CompletedAt      *int64 `json:"completed_at,omitempty"`
	Iterations       int    `json:"iterations,omitempty"`
	MaxIterations    int    `json:"max_iterations"`
	Result           string `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Registry is the persisted task ledger.
type Registry struct {
	Version     int     `json:"version"`
	Tasks       []*Task `json:"tasks"`
	LastUpdated int64   `json:"last_updated"`
}

// Stats summarizes the ledger by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
