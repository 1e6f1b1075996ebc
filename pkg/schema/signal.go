package schema

// SignalType enumerates the out-of-band controls a caller can send to a run.
// Signals are observed at step boundaries only, never mid-adapter-call.
type SignalType string

const (
	SignalCancel            SignalType = "cancel"
	SignalPause             SignalType = "pause"
	SignalResumeAfterReview SignalType = "resume_after_review"
)

// Signal is an operator-initiated message to an in-flight or suspended run.
type Signal struct {
	Type    SignalType     `json:"type"`
	Reason  string         `json:"reason,omitempty"`  // cancel reason
	Payload map[string]any `json:"payload,omitempty"` // resume_after_review data, merged into the run context
	Actor   string         `json:"actor,omitempty"`   // recorded on the audit trail
}

// StartOptions configure how the durable adapter launches a run.
type StartOptions struct {
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`      // side-effecting adapters are simulated
	SkipNodes   []string       `json:"skip_nodes,omitempty"`   // node ids bypassed (recorded as skipped)
	StopBefore  string         `json:"stop_before,omitempty"`  // halt cleanly before entering this node
	Actor       string         `json:"actor,omitempty"`
	Correlation string         `json:"correlation,omitempty"`  // caller-supplied correlation id
}

// RetryOverrides configure a retried run. Retry always creates a new
// Execution; the original is never mutated.
type RetryOverrides struct {
	TriggerData map[string]any `json:"trigger_data,omitempty"` // replaces the original payload when set
	DryRun      bool           `json:"dry_run,omitempty"`
	Actor       string         `json:"actor,omitempty"`
}
