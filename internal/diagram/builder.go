package diagram

import (
	"fmt"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition. When snap is
// non-nil every step carries the outcome recorded in its history; steps the
// execution has not reached are marked pending.
func Build(def *schema.WorkflowDefinition, snap *schema.ExecutionSnapshot) *DiagramModel {
	overlays := overlayIndex(snap)

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{ID: step.ID, Label: nodeLabel(step), Kind: NodeKindStep}
		if step.Condition != nil {
			node.Kind = NodeKindGuarded
		}
		if snap != nil {
			node.Status = overlays[step.ID]
			if node.Status == nil {
				node.Status = &StatusOverlay{Status: "pending"}
			}
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: titleFromDef(def),
		Nodes: nodes,
		Edges: buildEdges(def),
	}
}

// nodeLabel is the step id over the service operation it calls.
func nodeLabel(step *schema.Step) string {
	label := fmt.Sprintf("%s\n%s.%s", step.ID, step.Service, step.Operation)
	if step.Timeout > 0 {
		label += fmt.Sprintf(" (%s)", step.Timeout)
	}
	return label
}

// buildEdges links the steps in order. A guarded step gets a bypass edge from
// its predecessor to its successor, and a step with an error hook gets a
// "continue" edge past itself.
func buildEdges(def *schema.WorkflowDefinition) []Edge {
	ids := make([]string, 0, len(def.Steps)+2)
	ids = append(ids, startID)
	for _, s := range def.Steps {
		ids = append(ids, s.ID)
	}
	ids = append(ids, endID)

	edges := make([]Edge, 0, len(ids))
	for i := 0; i+1 < len(ids); i++ {
		edges = append(edges, Edge{From: ids[i], To: ids[i+1]})
	}
	for i, s := range def.Steps {
		prev, next := ids[i], ids[i+2]
		if s.Condition != nil {
			edges = append(edges, Edge{From: prev, To: next, Label: "skip"})
		}
		if s.OnError != nil {
			edges = append(edges, Edge{From: s.ID, To: next, Label: "on error"})
		}
	}
	if def.ErrorHandling.Fallback == schema.FallbackSkip {
		for i, s := range def.Steps {
			if s.OnError == nil {
				edges = append(edges, Edge{From: s.ID, To: ids[i+2], Label: "fallback"})
			}
		}
	}
	return edges
}

// overlayIndex keeps the last history entry of each step.
func overlayIndex(snap *schema.ExecutionSnapshot) map[string]*StatusOverlay {
	if snap == nil {
		return nil
	}
	out := make(map[string]*StatusOverlay, len(snap.History))
	for _, h := range snap.History {
		o := out[h.StepID]
		if o == nil {
			o = &StatusOverlay{}
			out[h.StepID] = o
		}
		o.Status = string(h.Status)
		o.DurationMs = durationMs(h.StartTime, h.EndTime)
		o.Error = ""
		if h.Error != nil {
			o.Error = h.Error.Code
		}
	}
	return out
}

func durationMs(start, end time.Time) int64 {
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
