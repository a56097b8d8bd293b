package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"updatebot/internal/aggregate"
	"updatebot/internal/domain"
)

// State is the phase a node is in while it is walked.
type State int

const (
	StateIdle State = iota
	StateProcessingOutputs
	StateProcessingChildren
	StateReconciling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessingOutputs:
		return "processing-outputs"
	case StateProcessingChildren:
		return "processing-children"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	KindVisit       = "visit"
	KindSkipped     = "skipped"
	KindFresh       = "fresh"
	KindStale       = "stale"
	KindRegenerated = "regenerated"
	KindNote        = "note"
	KindWarning     = "warning"
	KindReconciled  = "reconciled"
	KindSaved       = "saved"
)

// NodeResult is what walking one subtree produced. Node is the node as it
// stands in the catalog afterwards. Open reports an open stream anywhere in
// the subtree.
type NodeResult struct {
	Node        domain.DeploymentNode
	Changed     bool
	Open        bool
	Regenerated int
	Saved       int
	Failed      int
	Log         ProcessingLog
}

func (r *NodeResult) absorb(child NodeResult) {
	r.Changed = r.Changed || child.Changed
	r.Open = r.Open || child.Open
	r.Regenerated += child.Regenerated
	r.Saved += child.Saved
	r.Failed += child.Failed
	r.Log = append(r.Log, child.Log...)
}

type walker struct {
	e   Engine
	sem *semaphore.Weighted
}

func newWalker(e Engine) *walker {
	w := &walker{e: e}
	if n := e.workers(); n > 1 {
		w.sem = semaphore.NewWeighted(int64(n - 1))
	}
	return w
}

// nodeRun carries one node through the walk states.
type nodeRun struct {
	w        *walker
	depth    int
	original domain.DeploymentNode
	node     domain.DeploymentNode
	state    State
	outputs  []domain.ArtifactRef
	// unresolved is set when an output could not be loaded. It might be an
	// open stream, so the node is treated as open for this pass.
	unresolved bool
	nominal    [3]*float64
	res        NodeResult
}

func (r *nodeRun) add(level, kind, artifactID, msg string) {
	r.res.Log = append(r.res.Log, Entry{
		Depth:      r.depth,
		NodeID:     r.node.ID,
		ArtifactID: artifactID,
		Level:      level,
		Kind:       kind,
		Message:    msg,
	})
	attrs := []any{"node_id", r.node.ID, "state", r.state.String(), "kind", kind}
	if artifactID != "" {
		attrs = append(attrs, "artifact_id", artifactID)
	}
	log := r.w.e.logger()
	switch level {
	case LevelError:
		log.Error(msg, attrs...)
	case LevelWarn:
		log.Warn(msg, attrs...)
	case LevelInfo:
		log.Info(msg, attrs...)
	default:
		log.Debug(msg, attrs...)
	}
}

func (r *nodeRun) fail(artifactID string, err error) {
	r.res.Failed++
	r.add(LevelError, domain.KindName(err), artifactID, err.Error())
}

// walk drives node through outputs, children, reconciliation and the final
// write. Only cancellation of ctx is returned as an error; every other
// failure is attributed in the log and the walk goes on.
func (w *walker) walk(ctx context.Context, node domain.DeploymentNode, depth int) (NodeResult, error) {
	r := &nodeRun{w: w, depth: depth, original: node, node: node}
	r.res.Node = node
	r.add(LevelInfo, KindVisit, "", fmt.Sprintf("processing deployment %s", node.Name))

	r.state = StateProcessingOutputs
	if err := r.processOutputs(ctx); err != nil {
		return r.res, err
	}
	ownOpen := r.unresolved || aggregate.HasOpenStream(r.outputs)
	candidate := aggregate.FoldArtifacts(r.outputs)

	r.state = StateProcessingChildren
	children, err := r.walkChildren(ctx)
	if err != nil {
		return r.res, err
	}
	for _, c := range children {
		if w.e.propagate() {
			candidate = aggregate.FoldChild(candidate, c.Node.Extent, c.Open)
			r.offerNominal(c.Node.NominalLatitude, c.Node.NominalLongitude, c.Node.NominalDepth)
		}
		r.res.absorb(c)
	}
	r.res.Open = r.res.Open || ownOpen

	r.state = StateReconciling
	updated, extentChanged := aggregate.Reconcile(r.node, candidate, r.res.Open)
	updated, nominalChanged := aggregate.FillNominal(updated, r.nominal[0], r.nominal[1], r.nominal[2])
	if extentChanged || nominalChanged {
		r.node = updated
		r.res.Changed = true
		r.add(LevelInfo, KindReconciled, "", describeExtent(r.node.Extent, r.res.Open))
	}

	r.state = StateDone
	if !r.res.Changed {
		r.add(LevelDebug, KindFresh, "", "nothing changed")
		return r.res, nil
	}
	saved, err := w.e.Catalog.SaveNode(ctx, r.node)
	if err != nil {
		w.e.Metrics.NodeWrite("failed")
		r.fail("", domain.Wrap(domain.ErrCatalog, "save deployment "+r.node.ID, err))
		r.res.Node = r.original
		return r.res, nil
	}
	w.e.Metrics.NodeWrite("saved")
	r.res.Saved++
	r.res.Node = saved
	r.add(LevelInfo, KindSaved, "", fmt.Sprintf("deployment %s saved with id %s at version %d", saved.Name, saved.ID, saved.Version))
	return r.res, nil
}

func (r *nodeRun) processOutputs(ctx context.Context) error {
	for _, id := range r.node.Outputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		art, err := r.w.e.Catalog.FindArtifact(ctx, id)
		if err != nil {
			r.unresolved = true
			r.fail(id, err)
			continue
		}
		if !art.Eligible() {
			r.outputs = append(r.outputs, art)
			r.add(LevelInfo, KindSkipped, art.ID, "skipped: "+art.IneligibleReason())
			continue
		}
		r.outputs = append(r.outputs, r.processArtifact(ctx, art))
	}
	return nil
}

// processArtifact decides staleness for art and regenerates it when stale.
// It returns the source as it stands afterwards.
func (r *nodeRun) processArtifact(ctx context.Context, art domain.ArtifactRef) domain.ArtifactRef {
	e := r.w.e
	unlock := e.Staleness.Lock(art.ID)
	defer unlock()
	if d := e.artifactTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	layout := e.Converter.Paths.For(art)
	v := e.Staleness.NeedsRegeneration(ctx, art, layout.Key)
	e.Metrics.Decision(v.Stale)
	for _, err := range v.Errs {
		r.add(LevelWarn, domain.KindName(err), art.ID, err.Error())
	}
	if !v.Stale {
		r.add(LevelInfo, KindFresh, art.ID, "up to date: "+v.Reason)
		return art
	}
	r.add(LevelInfo, KindStale, art.ID, v.Reason)

	started := time.Now()
	out, err := e.Converter.Convert(ctx, art, r.node, v.RemoteModTime)
	if err != nil {
		e.Metrics.Regeneration("failed", time.Since(started))
		r.fail(art.ID, err)
		return art
	}
	e.Metrics.Regeneration("ok", time.Since(started))
	r.res.Regenerated++
	r.res.Changed = true
	for _, note := range out.Notes {
		r.add(LevelInfo, KindNote, art.ID, note)
	}
	for _, warn := range out.Warnings {
		r.add(LevelWarn, KindWarning, art.ID, warn.Error())
	}
	r.add(LevelInfo, KindRegenerated, art.ID, fmt.Sprintf("derived artifact %s produced by %s", out.Derived.Artifact.ID, out.Derived.ProcessRun.Name))
	run := out.Derived.ProcessRun
	r.offerNominal(run.NominalLatitude, run.NominalLongitude, run.NominalDepth)
	return out.Source
}

// offerNominal keeps the first nominal position seen for each axis.
func (r *nodeRun) offerNominal(lat, lon, depth *float64) {
	for i, v := range []*float64{lat, lon, depth} {
		if r.nominal[i] == nil && v != nil {
			r.nominal[i] = v
		}
	}
}

// walkChildren walks the children of the node. Up to workers-1 sibling
// subtrees run on their own goroutines; the rest run inline. Results keep
// catalog order.
func (r *nodeRun) walkChildren(ctx context.Context) ([]NodeResult, error) {
	children, err := r.w.e.Catalog.FindChildren(ctx, r.node.ID)
	if err != nil {
		r.fail("", domain.Wrap(domain.ErrCatalog, "find children of "+r.node.ID, err))
		return nil, nil
	}
	results := make([]NodeResult, len(children))
	g, gctx := errgroup.WithContext(ctx)
	var inlineErr error
	for i, child := range children {
		if r.w.sem != nil && r.w.sem.TryAcquire(1) {
			g.Go(func() error {
				defer r.w.sem.Release(1)
				res, err := r.w.walk(gctx, child, r.depth+1)
				results[i] = res
				return err
			})
			continue
		}
		res, err := r.w.walk(gctx, child, r.depth+1)
		results[i] = res
		if err != nil {
			inlineErr = err
			break
		}
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, inlineErr
}

func describeExtent(ext domain.Extent, open bool) string {
	msg := "extent now"
	if ext.Start != nil {
		msg += " from " + ext.Start.UTC().Format(time.RFC3339)
	}
	switch {
	case ext.End != nil:
		msg += " to " + ext.End.UTC().Format(time.RFC3339)
	case open:
		msg += " (open stream, end left unset)"
	}
	return msg
}
