package diagram

// NodeKind classifies a diagram node by its task kind.
type NodeKind string

const (
	NodeKindTool      NodeKind = "tool_call"
	NodeKindSandbox   NodeKind = "sandboxed_code"
	NodeKindProcedure NodeKind = "learned_procedure"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node IDs framing every diagram with a single entry and exit.
const (
	StartNodeID = "__start__"
	EndNodeID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single task in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.OutcomeState
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
