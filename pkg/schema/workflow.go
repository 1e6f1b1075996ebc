package schema

// WorkflowDefinition is an immutable-per-version graph of nodes.
// A run always binds to one locked version; drafts are editable until locked.
type WorkflowDefinition struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Version  int            `json:"version"`
	Locked   bool           `json:"locked"`
	OwnerID  string         `json:"owner_id,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is one unit in a workflow graph: a trigger, action, branch, or loop.
type Node struct {
	ID         string         `json:"id"`
	Position   int            `json:"position"`
	Kind       NodeKind       `json:"kind"`
	Capability string         `json:"capability,omitempty"` // connector key, required for trigger/action
	Params     map[string]any `json:"params,omitempty"`     // raw, unresolved parameter map
	Branches   []BranchRule   `json:"branches,omitempty"`   // branch nodes only, evaluated in order
	Loop       *LoopSpec      `json:"loop,omitempty"`       // loop nodes only
}

// NodeKind enumerates the kinds of workflow nodes.
type NodeKind string

const (
	NodeKindTrigger NodeKind = "trigger"
	NodeKindAction  NodeKind = "action"
	NodeKindBranch  NodeKind = "branch"
	NodeKindLoop    NodeKind = "loop"
)

// BranchRule is one (condition, next-node-id) pair of a branch node.
// A nil Condition marks the unconditional default branch.
type BranchRule struct {
	Label     string     `json:"label,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	Next      string     `json:"next"`
}

// Condition is a boolean expression tree: either a leaf comparison
// (Operator + Left/Right), a raw engine expression, or an AND/OR group.
type Condition struct {
	Operator   ConditionOperator `json:"operator,omitempty"`
	Left       any               `json:"left,omitempty"`
	Right      any               `json:"right,omitempty"`
	Conditions []Condition       `json:"conditions,omitempty"` // AND/OR children
	Expression string            `json:"expression,omitempty"` // expr (default), cel: or jq: prefixed
}

// ConditionOperator enumerates leaf comparators and group combinators.
type ConditionOperator string

const (
	OpAnd ConditionOperator = "AND"
	OpOr  ConditionOperator = "OR"

	OpEquals         ConditionOperator = "EQUALS"
	OpNotEquals      ConditionOperator = "NOT_EQUALS"
	OpContains       ConditionOperator = "CONTAINS"
	OpStartsWith     ConditionOperator = "STARTS_WITH"
	OpEndsWith       ConditionOperator = "ENDS_WITH"
	OpGreaterThan    ConditionOperator = "GREATER_THAN"
	OpLessThan       ConditionOperator = "LESS_THAN"
	OpGreaterOrEqual ConditionOperator = "GREATER_OR_EQUAL"
	OpLessOrEqual    ConditionOperator = "LESS_OR_EQUAL"
	OpIsEmpty        ConditionOperator = "IS_EMPTY"
	OpIsNotEmpty     ConditionOperator = "IS_NOT_EMPTY"
	OpExists         ConditionOperator = "EXISTS"
	OpNotExists      ConditionOperator = "NOT_EXISTS"
)

// LoopSpec configures a loop node: an items reference resolved at runtime
// and a nested step list executed once per item.
type LoopSpec struct {
	ItemsRef    string `json:"items_ref"`             // {{...}} reference or expression producing a sequence
	ItemName    string `json:"item_name,omitempty"`   // context variable name, default "item"
	Steps       []Node `json:"steps"`                 // nested nodes executed per iteration
	Concurrency int    `json:"concurrency,omitempty"` // iteration fan-out, default 1 (sequential)
}

// TriggerNode returns the trigger node of the definition, or nil.
func (d *WorkflowDefinition) TriggerNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeKindTrigger {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
