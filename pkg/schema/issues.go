package schema

// IssueSeverity classifies a preflight issue.
type IssueSeverity string

const (
	SeverityBlocking IssueSeverity = "blocking"
	SeverityWarning  IssueSeverity = "warning"
)

// Preflight issue codes. Each code maps deterministically to a
// RecommendedAction (see the preflight package).
const (
	IssueCapabilityUnknown  = "capability_unknown"
	IssueSchemaViolation    = "schema_violation"
	IssueMissingReference   = "missing_reference"
	IssueMissingParameter   = "missing_parameter"
	IssueInvalidRecipient   = "invalid_recipient"
	IssueMissingSigners     = "missing_signers"
	IssuePermissionDenied   = "permission_denied"
	IssueOAuthExpired       = "oauth_expired"
	IssueLoopItemsNotList   = "loop_items_not_list"
	IssueBranchNoDefault    = "branch_no_default"
	IssueNoTrigger          = "no_trigger"
	IssueDuplicateNodeID    = "duplicate_node_id"
	IssueBranchTargetabsent = "branch_target_missing"
)

// PreflightIssue is one potential failure found by the dry validation pass.
type PreflightIssue struct {
	Code        string        `json:"code"`
	Domain      string        `json:"domain"`
	MessageHuman string       `json:"message_human"`
	MessageTech string        `json:"message_tech"`
	NodeID      string        `json:"node_id,omitempty"`
	Severity    IssueSeverity `json:"severity"`
}

// RecommendedAction is the remediation a known issue code maps to.
type RecommendedAction struct {
	Action       string `json:"action"`
	Label        string `json:"label"`
	Description  string `json:"description,omitempty"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// PreflightReport aggregates a full validation pass over a workflow graph.
type PreflightReport struct {
	BlockingCount      int                         `json:"blocking_count"`
	WarningCount       int                         `json:"warning_count"`
	Groups             map[string][]PreflightIssue `json:"groups"` // keyed by domain
	RecommendedActions []RecommendedAction         `json:"recommended_actions,omitempty"`
}

// Blocked reports whether the run must not leave queued.
func (r *PreflightReport) Blocked() bool {
	return r.BlockingCount > 0
}

// Add records an issue under its domain and updates the counters.
func (r *PreflightReport) Add(issue PreflightIssue) {
	if r.Groups == nil {
		r.Groups = make(map[string][]PreflightIssue)
	}
	r.Groups[issue.Domain] = append(r.Groups[issue.Domain], issue)
	switch issue.Severity {
	case SeverityBlocking:
		r.BlockingCount++
	case SeverityWarning:
		r.WarningCount++
	}
}

// Issues flattens all groups into one slice (grouping order unspecified).
func (r *PreflightReport) Issues() []PreflightIssue {
	var all []PreflightIssue
	for _, g := range r.Groups {
		all = append(all, g...)
	}
	return all
}
