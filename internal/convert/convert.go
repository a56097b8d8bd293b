// Package convert regenerates one derived artifact from its source: it runs
// the external converter, promotes the result into storage, introspects its
// fields and catalogs it together with the process run that produced it.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"updatebot/internal/domain"
	"updatebot/internal/storage"
)

const (
	DerivedMimeType  = "application/x-netcdf"
	ProducerGroup    = "Derived Format Creators"
	DerivedGroup     = "Generated Derived Artifacts"
	LogResourceName  = "Conversion Log File"
	LogResourceKey   = "Log File"
	DefaultSoftware  = "updatebot-converter"
	DefaultSWVersion = "1.0"
)

// Result is what the external converter extracted from one source.
type Result struct {
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	MinLatitude   *float64   `json:"min_latitude,omitempty"`
	MaxLatitude   *float64   `json:"max_latitude,omitempty"`
	MinLongitude  *float64   `json:"min_longitude,omitempty"`
	MaxLongitude  *float64   `json:"max_longitude,omitempty"`
	MinDepth      *float64   `json:"min_depth,omitempty"`
	MaxDepth      *float64   `json:"max_depth,omitempty"`
	MeanLatitude  *float64   `json:"mean_latitude,omitempty"`
	MeanLongitude *float64   `json:"mean_longitude,omitempty"`
	MeanDepth     *float64   `json:"mean_depth,omitempty"`
	Records       int64      `json:"records"`
	Log           string     `json:"log,omitempty"`
}

// Converter turns the source at sourceURI into a derived file at scratchPath.
type Converter interface {
	Convert(ctx context.Context, sourceURI, scratchPath string) (Result, error)
}

// Field is one entry reported by the structural-metadata service.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Units    string `json:"units,omitempty"`
	LongName string `json:"long_name,omitempty"`
}

type Introspector interface {
	Describe(ctx context.Context, accessURI string) ([]Field, error)
}

type Catalog interface {
	SaveDerived(ctx context.Context, d domain.DerivedArtifact) (domain.DerivedArtifact, error)
	SaveArtifact(ctx context.Context, a domain.ArtifactRef) (domain.ArtifactRef, error)
}

type Recorder interface {
	RecordRegeneration(ctx context.Context, art domain.ArtifactRef, remoteModTime *time.Time) error
}

type LengthFetcher interface {
	ContentLength(ctx context.Context, uri string) (*int64, error)
}

type Service struct {
	Converter    Converter
	Introspector Introspector
	Store        storage.Store
	Catalog      Catalog
	Recorder     Recorder
	Lengths      LengthFetcher
	Paths        Paths

	HostName        string
	SoftwareName    string
	SoftwareVersion string

	Logger *slog.Logger
	Now    func() time.Time
}

// Outcome reports one successful regeneration. Notes describe what was done
// and Warnings hold failures that did not undo the regeneration.
type Outcome struct {
	Derived       domain.DerivedArtifact
	Source        domain.ArtifactRef
	SourceChanged bool
	Notes         []string
	Warnings      []error
}

// Convert regenerates the derived artifact of src, owned by node. The
// staleness record is written only after the derived artifact is cataloged.
func (s *Service) Convert(ctx context.Context, src domain.ArtifactRef, node domain.DeploymentNode, remoteModTime *time.Time) (Outcome, error) {
	var out Outcome
	layout := s.Paths.For(src)

	if err := os.MkdirAll(filepath.Dir(layout.Working), 0o755); err != nil {
		return out, domain.Wrap(domain.ErrConversion, "prepare scratch", err)
	}
	if err := os.Remove(layout.Working); err != nil && !errors.Is(err, os.ErrNotExist) {
		return out, domain.Wrap(domain.ErrConversion, "clear scratch", err)
	}
	defer os.Remove(layout.Working)

	started := s.now().UTC()
	res, err := s.Converter.Convert(ctx, src.URI, layout.Working)
	if err != nil {
		return out, domain.Wrap(domain.ErrConversion, "convert "+src.URI, err)
	}
	ended := s.now().UTC()

	if err := s.Store.Promote(ctx, layout.Working, layout.Key); err != nil {
		return out, domain.Wrap(domain.ErrConversion, "promote derived artifact", err)
	}
	derivedURL := s.Store.URL(layout.Key)
	out.Notes = append(out.Notes, "derived artifact written to "+derivedURL)

	fields, err := s.Introspector.Describe(ctx, layout.AccessURL)
	if err != nil {
		return out, s.discard(ctx, layout, domain.Wrap(domain.ErrIntrospection, "describe "+layout.AccessURL, err))
	}

	derived := domain.ArtifactRef{
		Name:      path.Base(layout.Key),
		URI:       derivedURL,
		Kind:      domain.ArtifactFile,
		MimeType:  DerivedMimeType,
		Derived:   true,
		AccessURI: layout.AccessURL,
		Group:     DerivedGroup,
		Descriptor: &domain.Descriptor{
			NoDerivedArtifact: true,
			IsStructured:      false,
		},
		Extent: domain.Extent{
			Start: res.Start,
			End:   res.End,
			Box: NormalizeBox(domain.Box{
				MinLat:   res.MinLatitude,
				MaxLat:   res.MaxLatitude,
				MinLon:   res.MinLongitude,
				MaxLon:   res.MaxLongitude,
				MinDepth: res.MinDepth,
				MaxDepth: res.MaxDepth,
			}),
		},
		RecordCount: domain.Int64(res.Records),
	}
	if n, err := s.contentLength(ctx, derivedURL); err != nil {
		out.Warnings = append(out.Warnings, err)
	} else if n != nil {
		derived.ContentLength = n
	}

	run := domain.NewProcessRun("Converter on "+started.Format(time.RFC3339), node.ID, started, ended)
	run.Description = domain.Truncate(fmt.Sprintf("Conversion of %s into the derived format", src.URI), domain.MaxDescriptionLength)
	run.HostName = s.HostName
	run.SoftwareName = s.softwareName()
	run.SoftwareVersion = s.softwareVersion()
	run.Group = ProducerGroup
	run.Inputs = []string{src.ID}
	run.NominalLatitude = normalizeAnglePtr(res.MeanLatitude)
	run.NominalLongitude = normalizeAnglePtr(res.MeanLongitude)
	run.NominalDepth = clampDepthPtr(res.MeanDepth)

	d := domain.DerivedArtifact{
		Artifact:   derived,
		Variables:  Variables(fields),
		SourceID:   src.ID,
		ProcessRun: run,
		CreatedAt:  ended,
	}
	if res.Log != "" {
		if err := s.Store.PutText(ctx, layout.LogKey, res.Log); err != nil {
			out.Warnings = append(out.Warnings, domain.Wrap(domain.ErrConversion, "write conversion log", err))
		} else {
			d.Log = &domain.Resource{
				OwnerKind:     domain.OwnerArtifact,
				Name:          LogResourceName,
				Description:   "Transcript of the conversion of " + domain.Truncate(src.URI, domain.MaxURILength-64),
				URI:           s.Store.URL(layout.LogKey),
				MimeType:      "text/plain",
				Keyword:       LogResourceKey,
				Start:         domain.Time(started),
				End:           domain.Time(ended),
				ContentLength: domain.Int64(int64(len(res.Log))),
			}
		}
	}

	saved, err := s.Catalog.SaveDerived(ctx, d)
	if err != nil {
		return out, s.discard(ctx, layout, domain.Wrap(domain.ErrCatalog, "catalog derived artifact", err))
	}
	out.Derived = saved
	out.Notes = append(out.Notes, fmt.Sprintf("cataloged derived artifact %s with %d variables and %d records", saved.Artifact.ID, len(saved.Variables), res.Records))

	out.Source, out.SourceChanged = writeBack(src, saved.Artifact.Extent)
	if n, err := s.contentLength(ctx, src.URI); err != nil {
		out.Warnings = append(out.Warnings, err)
	} else if n != nil && *n > 0 && (src.ContentLength == nil || *src.ContentLength != *n) {
		out.Source.ContentLength = n
		out.SourceChanged = true
		out.Notes = append(out.Notes, fmt.Sprintf("content length of %s set to %d", src.Name, *n))
	}
	if out.SourceChanged {
		updated, err := s.Catalog.SaveArtifact(ctx, out.Source)
		if err != nil {
			out.Warnings = append(out.Warnings, domain.Wrap(domain.ErrCatalog, "update source artifact", err))
		} else {
			out.Source = updated
		}
	}

	if err := s.Recorder.RecordRegeneration(ctx, src, remoteModTime); err != nil {
		out.Warnings = append(out.Warnings, err)
	}
	for _, w := range out.Warnings {
		s.logger().Warn("regeneration warning", "artifact_id", src.ID, "error", w)
	}
	return out, nil
}

// discard removes a promoted target that was never cataloged, so the next
// crawl finds it missing and regenerates it. It returns cause.
func (s *Service) discard(ctx context.Context, layout Layout, cause error) error {
	ctx = context.WithoutCancel(ctx)
	for _, key := range []string{layout.Key, layout.LogKey} {
		if err := s.Store.Remove(ctx, key); err != nil {
			s.logger().Error("remove uncataloged derived artifact", "key", key, "error", err)
		}
	}
	return cause
}

// writeBack tightens the source's own extent with the derived one. An open
// stream keeps its missing end.
func writeBack(src domain.ArtifactRef, derived domain.Extent) (domain.ArtifactRef, bool) {
	next := src.Extent
	next.Start = domain.Earliest(src.Extent.Start, derived.Start)
	if !src.IsOpen() {
		next.End = domain.Latest(src.Extent.End, derived.End)
	}
	next.Box = src.Extent.Box.Widen(derived.Box)
	if next.Equal(src.Extent) {
		return src, false
	}
	src.Extent = next
	return src, true
}

func (s *Service) contentLength(ctx context.Context, uri string) (*int64, error) {
	if s.Lengths == nil {
		return nil, nil
	}
	n, err := s.Lengths.ContentLength(ctx, uri)
	if err != nil {
		return nil, domain.Wrap(domain.ErrNetwork, "content length of "+uri, err)
	}
	return n, nil
}

func (s *Service) softwareName() string {
	if s.SoftwareName != "" {
		return s.SoftwareName
	}
	return DefaultSoftware
}

func (s *Service) softwareVersion() string {
	if s.SoftwareVersion != "" {
		return s.SoftwareVersion
	}
	return DefaultSWVersion
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
