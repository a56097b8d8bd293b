package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"updatebot/internal/domain"
)

// Tree is a deployment with its outputs, the derived artifacts built from
// them and its child deployments.
type Tree struct {
	Node     domain.DeploymentNode           `json:"deployment"`
	Outputs  []domain.ArtifactRef            `json:"outputs"`
	Derived  map[string][]domain.ArtifactRef `json:"derived,omitempty"`
	Children []Tree                          `json:"children"`
}

// FindContact returns the first contact address found walking the tree
// depth first, or "".
func FindContact(t Tree) string {
	if email := strings.TrimSpace(t.Node.ContactEmail); email != "" {
		return email
	}
	for _, c := range t.Children {
		if email := FindContact(c); email != "" {
			return email
		}
	}
	return ""
}

func Subject(root domain.DeploymentNode) string {
	s := "UpdateBot Notification - " + string(root.Kind)
	if root.Name != "" {
		s += " " + root.Name
	}
	return s
}

// ReportTable lays the tree out as one row per deployment, source output and
// derived artifact.
func ReportTable(t Tree) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Deployment", "Artifact", "Kind", "Start", "End", "Location"})
	appendTree(tw, t, 0)
	return tw
}

func appendTree(tw table.Writer, t Tree, depth int) {
	indent := strings.Repeat("  ", depth)
	tw.AppendRow(table.Row{indent + t.Node.Name, "", string(t.Node.Kind), formatTime(t.Node.Extent.Start), formatTime(t.Node.Extent.End), ""})
	for _, a := range t.Outputs {
		tw.AppendRow(table.Row{"", a.Name, string(a.Kind), formatTime(a.Extent.Start), formatTime(a.Extent.End), a.URI})
		for _, d := range t.Derived[a.ID] {
			tw.AppendRow(table.Row{"", "  -> " + d.Name, "derived", formatTime(d.Extent.Start), formatTime(d.Extent.End), d.URI})
		}
	}
	for _, c := range t.Children {
		appendTree(tw, c, depth+1)
	}
}

// RenderHTML renders the notification body.
func RenderHTML(t Tree, processingLog string) string {
	var b strings.Builder
	b.WriteString("<html>\n<body>\n")
	fmt.Fprintf(&b, "<h4>Post processing of deployment %s", html.EscapeString(t.Node.Name))
	if t.Node.Extent.Start != nil && t.Node.Extent.End != nil {
		fmt.Fprintf(&b, " (%s to %s)", formatTime(t.Node.Extent.Start), formatTime(t.Node.Extent.End))
	}
	b.WriteString("</h4>\n<hr/>\n")
	b.WriteString(ReportTable(t).RenderHTML())
	if processingLog != "" {
		b.WriteString("\n<h4>Processing log</h4>\n<pre>")
		b.WriteString(html.EscapeString(processingLog))
		b.WriteString("</pre>")
	}
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
