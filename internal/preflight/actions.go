package preflight

import "github.com/tandemhq/tandem/pkg/schema"

// actionTable maps each issue code to its remediation. The mapping is
// deterministic so clients can key UI flows off the action string.
var actionTable = map[string]schema.RecommendedAction{
	schema.IssueCapabilityUnknown: {
		Action:      "install_capability",
		Label:       "Install the missing capability",
		Description: "Register the connector this step depends on, or replace the step with an available capability.",
	},
	schema.IssueSchemaViolation: {
		Action:      "fix_parameters",
		Label:       "Fix the step parameters",
		Description: "Edit the step so its parameters match the capability's schema.",
	},
	schema.IssueMissingParameter: {
		Action:      "fix_parameters",
		Label:       "Fill in the missing parameter",
		Description: "Add the required parameter to the step configuration.",
	},
	schema.IssueMissingReference: {
		Action:      "fix_reference",
		Label:       "Fix the broken reference",
		Description: "Point the reference at the trigger, a prior step, or a loop variable that exists at that point.",
	},
	schema.IssueInvalidRecipient: {
		Action:      "fix_recipient",
		Label:       "Correct the recipient",
		Description: "Provide a valid email address for the delivery step.",
	},
	schema.IssueMissingSigners: {
		Action:      "add_signers",
		Label:       "Add signers",
		Description: "List at least one signer on the signature step.",
	},
	schema.IssuePermissionDenied: {
		Action:      "grant_access",
		Label:       "Grant provider access",
		Description: "Give the connected account permission to perform this operation.",
	},
	schema.IssueOAuthExpired: {
		Action:      "reconnect_provider",
		Label:       "Reconnect the provider",
		Description: "The provider connection has expired. Sign in again to refresh it.",
	},
	schema.IssueLoopItemsNotList: {
		Action:      "fix_loop_items",
		Label:       "Fix the loop input",
		Description: "Point the loop at a list value.",
	},
	schema.IssueBranchNoDefault: {
		Action:      "add_default_branch",
		Label:       "Add a default path",
		Description: "Add an unconditional rule so runs that match nothing have a defined path.",
	},
	schema.IssueNoTrigger: {
		Action:      "add_trigger",
		Label:       "Add a trigger",
		Description: "Every workflow needs exactly one trigger node.",
	},
	schema.IssueDuplicateNodeID: {
		Action:      "rename_step",
		Label:       "Rename the duplicated step",
		Description: "Give every step a unique ID.",
	},
	schema.IssueBranchTargetabsent: {
		Action:      "fix_branch_target",
		Label:       "Fix the branch target",
		Description: "Point the branch rule at a step that exists.",
	},
}

// recommend builds the deduplicated action list for a report. Each issue
// code contributes one action, targeted at the first node that raised it.
func recommend(report *schema.PreflightReport) []schema.RecommendedAction {
	seen := make(map[string]bool)
	var actions []schema.RecommendedAction
	for _, issue := range report.Issues() {
		if seen[issue.Code] {
			continue
		}
		action, ok := actionTable[issue.Code]
		if !ok {
			continue
		}
		seen[issue.Code] = true
		action.TargetNodeID = issue.NodeID
		actions = append(actions, action)
	}
	return actions
}
