package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "error":
		return "[FAIL]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	}
	return ""
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes. Labelled
// edges are listed under the chain.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	var branches []Edge
	for _, e := range model.Edges {
		if e.Label != "" {
			branches = append(branches, e)
		}
	}
	if len(branches) > 0 {
		b.WriteString("\nbranches:\n")
		for _, e := range branches {
			fmt.Fprintf(&b, "  %s ─→ %s (%s)\n", displayID(model, e.From), displayID(model, e.To), e.Label)
		}
	}
	return b.String()
}

// makeBox draws the box of one node.
func makeBox(node *Node) []string {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if node.Status.Error != "" {
			tag += " " + node.Status.Error
		}
		if tag != "" {
			content = append(content, strings.TrimSpace(tag))
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, len(line))
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-len(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return lines
}

func displayID(model *DiagramModel, id string) string {
	if n := findNode(model.Nodes, id); n != nil && (n.Kind == NodeKindStart || n.Kind == NodeKindEnd) {
		return n.Label
	}
	return id
}
