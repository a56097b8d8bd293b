package domain

import "strings"

const (
	MaxNameLength        = 2048
	MaxDescriptionLength = 2048
	MaxURILength         = 2048

	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -360.0
	MaxLongitude = 360.0
)

func (n DeploymentNode) Validate() error {
	const op = "validate node"
	if strings.TrimSpace(n.Name) == "" {
		return Errorf(ErrValidation, op, "name is required")
	}
	if n.Kind != NodeDeployment && n.Kind != NodeProcessRun {
		return Errorf(ErrValidation, op, "unknown kind %q", n.Kind)
	}
	if err := checkText(op, n.Name, n.Description, ""); err != nil {
		return err
	}
	if n.NominalLatitude != nil {
		if err := checkLatitude(op, *n.NominalLatitude); err != nil {
			return err
		}
	}
	if n.NominalLongitude != nil {
		if err := checkLongitude(op, *n.NominalLongitude); err != nil {
			return err
		}
	}
	if n.NominalDepth != nil && *n.NominalDepth < 0 {
		return Errorf(ErrValidation, op, "nominal depth %v is negative", *n.NominalDepth)
	}
	if n.Extent.Start != nil && n.Extent.End != nil && n.Extent.End.Before(*n.Extent.Start) {
		return Errorf(ErrValidation, op, "end %s precedes start %s", n.Extent.End, n.Extent.Start)
	}
	return n.Extent.Box.validate(op)
}

func (a ArtifactRef) Validate() error {
	const op = "validate artifact"
	if strings.TrimSpace(a.URI) == "" {
		return Errorf(ErrValidation, op, "uri is required")
	}
	if a.Kind != ArtifactFile && a.Kind != ArtifactStream {
		return Errorf(ErrValidation, op, "unknown kind %q", a.Kind)
	}
	if err := checkText(op, a.Name, "", a.URI); err != nil {
		return err
	}
	if a.ContentLength != nil && *a.ContentLength < 0 {
		return Errorf(ErrValidation, op, "content length %d is negative", *a.ContentLength)
	}
	return a.Extent.Box.validate(op)
}

func (b Box) validate(op string) error {
	for _, v := range []*float64{b.MinLat, b.MaxLat} {
		if v != nil {
			if err := checkLatitude(op, *v); err != nil {
				return err
			}
		}
	}
	for _, v := range []*float64{b.MinLon, b.MaxLon} {
		if v != nil {
			if err := checkLongitude(op, *v); err != nil {
				return err
			}
		}
	}
	for _, v := range []*float64{b.MinDepth, b.MaxDepth} {
		if v != nil && *v < 0 {
			return Errorf(ErrValidation, op, "depth %v is negative", *v)
		}
	}
	return nil
}

func checkText(op, name, description, uri string) error {
	if len(name) > MaxNameLength {
		return Errorf(ErrValidation, op, "name exceeds %d characters", MaxNameLength)
	}
	if len(description) > MaxDescriptionLength {
		return Errorf(ErrValidation, op, "description exceeds %d characters", MaxDescriptionLength)
	}
	if len(uri) > MaxURILength {
		return Errorf(ErrValidation, op, "uri exceeds %d characters", MaxURILength)
	}
	return nil
}

func checkLatitude(op string, v float64) error {
	if v < MinLatitude || v > MaxLatitude {
		return Errorf(ErrValidation, op, "latitude %v outside [%v, %v]", v, MinLatitude, MaxLatitude)
	}
	return nil
}

func checkLongitude(op string, v float64) error {
	if v < MinLongitude || v > MaxLongitude {
		return Errorf(ErrValidation, op, "longitude %v outside [%v, %v]", v, MinLongitude, MaxLongitude)
	}
	return nil
}

// Truncate shortens s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
