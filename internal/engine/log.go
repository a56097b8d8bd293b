package engine

import (
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Entry is one line of a processing log. Kind names the action taken, or the
// error kind for failures.
type Entry struct {
	Depth      int    `json:"depth"`
	NodeID     string `json:"node_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Level      string `json:"level"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// ProcessingLog is the ordered record of one root's crawl: parents before
// their children, siblings in catalog order.
type ProcessingLog []Entry

// Text renders the log indented by depth. Debug entries are left out.
func (l ProcessingLog) Text() string {
	var b strings.Builder
	for _, e := range l {
		if e.Level == LevelDebug {
			continue
		}
		b.WriteString(strings.Repeat("  ", e.Depth))
		b.WriteString("[")
		b.WriteString(e.Level)
		b.WriteString("] ")
		if e.ArtifactID != "" {
			b.WriteString("artifact ")
			b.WriteString(e.ArtifactID)
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
		b.WriteString("\n")
	}
	return b.String()
}

func (l ProcessingLog) Count(level string) int {
	n := 0
	for _, e := range l {
		if e.Level == level {
			n++
		}
	}
	return n
}

// ByKind returns the entries of one kind.
func (l ProcessingLog) ByKind(kind string) ProcessingLog {
	var out ProcessingLog
	for _, e := range l {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
