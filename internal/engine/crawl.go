package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"updatebot/internal/domain"
	"updatebot/internal/events"
)

const (
	ProcessingLogDir  = "update_bot_logs"
	ProcessingLogName = "Processing Log"
)

type CrawlFilter struct {
	// Deployment limits the crawl to roots with this name, compared
	// case-insensitively.
	Deployment string
}

type RootReport struct {
	RootID      string        `json:"root_id"`
	Name        string        `json:"name"`
	Changed     bool          `json:"changed"`
	Regenerated int           `json:"regenerated"`
	Saved       int           `json:"saved"`
	Failed      int           `json:"failed"`
	LogURL      string        `json:"log_url,omitempty"`
	Log         ProcessingLog `json:"log"`
}

type CrawlReport struct {
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Roots    []RootReport `json:"roots"`
}

func (c CrawlReport) Regenerated() int {
	n := 0
	for _, r := range c.Roots {
		n += r.Regenerated
	}
	return n
}

func (c CrawlReport) Saved() int {
	n := 0
	for _, r := range c.Roots {
		n += r.Saved
	}
	return n
}

// CrawlAll walks every root deployment, one root at a time, and finalizes the
// roots that changed.
func (e Engine) CrawlAll(ctx context.Context, filter CrawlFilter) (CrawlReport, error) {
	report := CrawlReport{Started: e.now().UTC()}
	if e.Remote != nil {
		e.Remote.Reset()
	}
	roots, err := e.Catalog.FindRoots(ctx)
	if err != nil {
		return report, err
	}
	if name := strings.TrimSpace(filter.Deployment); name != "" {
		var matched []domain.DeploymentNode
		for _, r := range roots {
			if strings.EqualFold(r.Name, name) {
				matched = append(matched, r)
			}
		}
		if len(matched) == 0 {
			return report, domain.Errorf(domain.ErrNotFound, "crawl", "no root deployment named %q", name)
		}
		roots = matched
	}
	if len(roots) == 0 {
		e.logger().Warn("no root deployments found")
	}
	e.appendEvent(ctx, events.TypeCrawlStarted, "", "crawl", "", LevelInfo, events.Payload{"roots": len(roots), "filter": filter.Deployment})

	for _, root := range roots {
		rr, err := e.WalkRoot(ctx, root)
		report.Roots = append(report.Roots, rr)
		if err != nil {
			report.Finished = e.now().UTC()
			return report, err
		}
	}
	report.Finished = e.now().UTC()
	e.Metrics.Crawl(report.Finished.Sub(report.Started))
	e.appendEvent(ctx, events.TypeCrawlFinished, "", "crawl", "", LevelInfo, events.Payload{
		"roots":       len(report.Roots),
		"regenerated": report.Regenerated(),
		"saved":       report.Saved(),
	})
	return report, nil
}

// WalkRoot walks one root deployment and, when it changed, writes its
// processing log, attaches the log to the root and sends notifications.
func (e Engine) WalkRoot(ctx context.Context, root domain.DeploymentNode) (RootReport, error) {
	res, err := newWalker(e).walk(ctx, root, 0)
	rr := RootReport{
		RootID:      root.ID,
		Name:        root.Name,
		Changed:     res.Changed,
		Regenerated: res.Regenerated,
		Saved:       res.Saved,
		Failed:      res.Failed,
		Log:         res.Log,
	}
	e.Metrics.Root(res.Changed)
	e.persistLog(ctx, root.ID, res.Log)
	if err != nil {
		return rr, err
	}
	if res.Changed {
		rr.LogURL = e.finalize(ctx, res.Node, res.Log)
	}
	e.appendEvent(ctx, events.TypeNodeProcessed, root.ID, "node", root.ID, LevelInfo, events.Payload{
		"changed":     rr.Changed,
		"regenerated": rr.Regenerated,
		"saved":       rr.Saved,
		"failed":      rr.Failed,
	})
	return rr, nil
}

// finalize publishes the processing log of a changed root and notifies. It
// returns the log URL, or "" when the log could not be stored.
func (e Engine) finalize(ctx context.Context, root domain.DeploymentNode, log ProcessingLog) string {
	text := log.Text()
	var logURL string
	if e.Store != nil {
		key := fmt.Sprintf("%s/%s_processing.log", ProcessingLogDir, root.ID)
		if err := e.Store.PutText(ctx, key, text); err != nil {
			e.logger().Error("write processing log", "root_id", root.ID, "error", err)
		} else {
			logURL = e.Store.URL(key)
			now := e.now().UTC()
			_, err := e.Catalog.AddResource(ctx, domain.Resource{
				OwnerKind:     domain.OwnerNode,
				OwnerID:       root.ID,
				Name:          ProcessingLogName,
				Description:   "Log of the latest update crawl of " + root.Name,
				URI:           logURL,
				MimeType:      "text/plain",
				Keyword:       "Log File",
				End:           domain.Time(now),
				ContentLength: domain.Int64(int64(len(text))),
			})
			if err != nil {
				e.logger().Error("attach processing log", "root_id", root.ID, "error", err)
			}
		}
	}
	if e.Notifier != nil {
		tree, err := e.tree(ctx, root)
		if err != nil {
			e.logger().Error("load report tree", "root_id", root.ID, "error", err)
		} else if err := e.Notifier.Notify(ctx, tree, text); err != nil {
			e.logger().Error("notify", "root_id", root.ID, "error", err)
		}
	}
	return logURL
}

// persistLog stores the non-debug entries of log as events.
func (e Engine) persistLog(ctx context.Context, rootID string, log ProcessingLog) {
	if e.Events.DB == nil {
		return
	}
	for _, entry := range log {
		if entry.Level == LevelDebug {
			continue
		}
		typ, kind, id := events.TypeNodeLogged, "node", entry.NodeID
		if entry.ArtifactID != "" {
			typ, kind, id = events.TypeArtifactLogged, "artifact", entry.ArtifactID
		}
		e.appendEvent(ctx, typ, rootID, kind, id, entry.Level, events.Payload{
			"depth":   entry.Depth,
			"node_id": entry.NodeID,
			"kind":    entry.Kind,
			"message": entry.Message,
		})
	}
}

func (e Engine) appendEvent(ctx context.Context, typ, rootID, entityKind, entityID, level string, payload events.Payload) {
	if e.Events.DB == nil {
		return
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, nil, typ, rootID, entityKind, entityID, level, payload); err != nil {
		e.logger().Warn("append event", "type", typ, "error", err)
	}
}
