package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep NodeKind = "step"
	// NodeKindGuarded is a step with a condition; it may be skipped.
	NodeKindGuarded NodeKind = "guarded"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order, start and end included.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded outcome of a step.
type StatusOverlay struct {
	Status     string // a schema.StepStatus, or "pending"
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Label is empty for the plain sequential edge.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
