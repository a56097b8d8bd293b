package domain

import (
	"strings"
	"time"
)

type NodeKind string

const (
	NodeDeployment NodeKind = "deployment"
	NodeProcessRun NodeKind = "process-run"
)

type ArtifactKind string

const (
	ArtifactFile   ArtifactKind = "file"
	ArtifactStream ArtifactKind = "stream"
)

// DeploymentNode is one node of the deployment tree. Parent and children are
// identity references; the catalog persists every node independently.
type DeploymentNode struct {
	ID               string     `json:"id"`
	Kind             NodeKind   `json:"kind"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Role             string     `json:"role,omitempty"`
	ParentID         string     `json:"parent_id,omitempty"`
	Extent           Extent     `json:"extent"`
	NominalLatitude  *float64   `json:"nominal_latitude,omitempty"`
	NominalLongitude *float64   `json:"nominal_longitude,omitempty"`
	NominalDepth     *float64   `json:"nominal_depth,omitempty"`
	ContactEmail     string     `json:"contact_email,omitempty"`
	HostName         string     `json:"host_name,omitempty"`
	SoftwareName     string     `json:"software_name,omitempty"`
	SoftwareVersion  string     `json:"software_version,omitempty"`
	Group            string     `json:"group,omitempty"`
	Outputs          []string   `json:"outputs,omitempty"`
	Inputs           []string   `json:"inputs,omitempty"`
	Children         []string   `json:"children,omitempty"`
	Version          int64      `json:"version"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty" format:"date-time"`
}

// NewDeployment returns an unsaved deployment node.
func NewDeployment(name string) DeploymentNode {
	return DeploymentNode{Kind: NodeDeployment, Name: strings.TrimSpace(name)}
}

// NewProcessRun returns an unsaved process-run node parented under the
// deployment that owns the converted source.
func NewProcessRun(name, parentID string, start, end time.Time) DeploymentNode {
	return DeploymentNode{
		Kind:     NodeProcessRun,
		Name:     strings.TrimSpace(name),
		ParentID: parentID,
		Extent:   Extent{Start: Time(start), End: Time(end)},
	}
}

// IsRoot reports whether the node has no parent.
func (n DeploymentNode) IsRoot() bool { return n.ParentID == "" }

// Descriptor is the structural descriptor of a source artifact.
type Descriptor struct {
	NoDerivedArtifact bool `json:"no_derived_artifact"`
	IsStructured      bool `json:"is_structured"`
}

// ArtifactRef is one source output owned by exactly one deployment node.
type ArtifactRef struct {
	ID            string       `json:"id"`
	NodeID        string       `json:"node_id"`
	Name          string       `json:"name"`
	URI           string       `json:"uri"`
	Kind          ArtifactKind `json:"kind"`
	MimeType      string       `json:"mime_type,omitempty"`
	Descriptor    *Descriptor  `json:"descriptor,omitempty"`
	Extent        Extent       `json:"extent"`
	ContentLength *int64       `json:"content_length,omitempty"`
	Derived       bool         `json:"derived"`
	AccessURI     string       `json:"access_uri,omitempty"`
	RecordCount   *int64       `json:"record_count,omitempty"`
	Group         string       `json:"group,omitempty"`
}

// NewArtifact returns an unsaved source artifact.
func NewArtifact(name, uri string, kind ArtifactKind) ArtifactRef {
	return ArtifactRef{Name: strings.TrimSpace(name), URI: strings.TrimSpace(uri), Kind: kind}
}

// WithDescriptor returns a copy carrying the given structural flags.
func (a ArtifactRef) WithDescriptor(noDerived, structured bool) ArtifactRef {
	a.Descriptor = &Descriptor{NoDerivedArtifact: noDerived, IsStructured: structured}
	return a
}

// Eligible reports whether a derived artifact may be built from a.
func (a ArtifactRef) Eligible() bool {
	return a.Descriptor != nil && !a.Descriptor.NoDerivedArtifact && a.Descriptor.IsStructured
}

// IneligibleReason explains why Eligible is false; empty when eligible.
func (a ArtifactRef) IneligibleReason() string {
	switch {
	case a.Descriptor == nil:
		return "no structural descriptor"
	case a.Descriptor.NoDerivedArtifact:
		return "opted out"
	case !a.Descriptor.IsStructured:
		return "not structured"
	}
	return ""
}

// IsOpen reports a stream whose end is not yet known.
func (a ArtifactRef) IsOpen() bool {
	return a.Kind == ArtifactStream && a.Extent.End == nil
}

type VariableRole string

const (
	RoleNone      VariableRole = ""
	RoleLatitude  VariableRole = "latitude"
	RoleLongitude VariableRole = "longitude"
	RoleDepth     VariableRole = "depth"
	RoleTime      VariableRole = "time"
)

// RoleNamespace qualifies the well-known variable roles.
const RoleNamespace = "http://marinemetadata.org/cf"

// Variable is one named, typed field of a derived artifact.
type Variable struct {
	Column   int          `json:"column"`
	Name     string       `json:"name"`
	Format   string       `json:"format,omitempty"`
	Units    string       `json:"units,omitempty"`
	LongName string       `json:"long_name,omitempty"`
	Role     VariableRole `json:"role,omitempty"`
}

// Resource is an auxiliary document attached to a node or artifact.
type Resource struct {
	ID            string     `json:"id"`
	OwnerKind     string     `json:"owner_kind"`
	OwnerID       string     `json:"owner_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	URI           string     `json:"uri"`
	MimeType      string     `json:"mime_type,omitempty"`
	Keyword       string     `json:"keyword,omitempty"`
	Start         *time.Time `json:"start,omitempty" format:"date-time"`
	End           *time.Time `json:"end,omitempty" format:"date-time"`
	ContentLength *int64     `json:"content_length,omitempty"`
}

const (
	OwnerNode     = "node"
	OwnerArtifact = "artifact"
)

// DerivedArtifact is a freshly produced derived artifact together with the
// process run that produced it. It is never mutated once cataloged.
type DerivedArtifact struct {
	Artifact   ArtifactRef    `json:"artifact"`
	Variables  []Variable     `json:"variables"`
	SourceID   string         `json:"source_id"`
	ProcessRun DeploymentNode `json:"process_run"`
	Log        *Resource      `json:"log,omitempty"`
	CreatedAt  time.Time      `json:"created_at" format:"date-time"`
}

// StalenessRecord is the last remote modification instant observed when the
// artifact was last regenerated.
type StalenessRecord struct {
	ArtifactID    string    `json:"artifact_id"`
	RemoteModTime time.Time `json:"remote_mod_time" format:"date-time"`
	RecordedAt    time.Time `json:"recorded_at" format:"date-time"`
}

// Event is one persisted processing-log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RootID     string `json:"root_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Level      string `json:"level"`
	Payload    string `json:"payload,omitempty"`
}
