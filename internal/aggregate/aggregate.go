// Package aggregate folds temporal and geospatial extents bottom-up through
// the deployment tree. Starts only move earlier, ends only move later and
// only while no open stream is in play, and boxes only widen.
package aggregate

import "updatebot/internal/domain"

// HasOpenStream reports whether any output is a stream with no end yet.
func HasOpenStream(outputs []domain.ArtifactRef) bool {
	for _, a := range outputs {
		if a.IsOpen() {
			return true
		}
	}
	return false
}

// FoldArtifacts folds the extents of outputs into one. The end is left unset
// when any of the folded outputs is an open stream.
func FoldArtifacts(outputs []domain.ArtifactRef) domain.Extent {
	open := HasOpenStream(outputs)
	var ext domain.Extent
	for _, a := range outputs {
		ext.Start = domain.Earliest(ext.Start, a.Extent.Start)
		if !open {
			ext.End = domain.Latest(ext.End, a.Extent.End)
		}
		ext.Box = ext.Box.Widen(a.Extent.Box)
	}
	return ext
}

// FoldChild widens parent by child. The child's end is ignored while the
// child's subtree still has an open stream.
func FoldChild(parent, child domain.Extent, childHasOpenStream bool) domain.Extent {
	out := domain.Extent{
		Start: domain.Earliest(parent.Start, child.Start),
		End:   parent.End,
		Box:   parent.Box.Widen(child.Box),
	}
	if !childHasOpenStream {
		out.End = domain.Latest(parent.End, child.End)
	}
	return out
}

// Reconcile applies candidate to the node's own extent and reports whether
// anything moved. When open is set the node's end is left untouched, even
// when it is unset.
func Reconcile(node domain.DeploymentNode, candidate domain.Extent, open bool) (domain.DeploymentNode, bool) {
	before := node.Extent
	next := domain.Extent{
		Start: domain.Earliest(before.Start, candidate.Start),
		End:   before.End,
		Box:   before.Box.Widen(candidate.Box),
	}
	if !open {
		next.End = domain.Latest(before.End, candidate.End)
	}
	if next.Equal(before) {
		return node, false
	}
	node.Extent = next
	return node, true
}

// FillNominal sets the node's nominal position fields that are still unset.
func FillNominal(node domain.DeploymentNode, lat, lon, depth *float64) (domain.DeploymentNode, bool) {
	changed := false
	if node.NominalLatitude == nil && lat != nil {
		node.NominalLatitude = domain.Float(*lat)
		changed = true
	}
	if node.NominalLongitude == nil && lon != nil {
		node.NominalLongitude = domain.Float(*lon)
		changed = true
	}
	if node.NominalDepth == nil && depth != nil {
		node.NominalDepth = domain.Float(*depth)
		changed = true
	}
	return node, changed
}
