package convert

import (
	"math"
	"strings"

	"updatebot/internal/domain"
)

// NormalizeAngle converts a latitude or longitude that looks like radians
// (|v| <= π) into degrees. Other values pass through.
func NormalizeAngle(v float64) float64 {
	if math.Abs(v) <= math.Pi {
		return v * 180 / math.Pi
	}
	return v
}

// ClampDepth keeps depth non-negative.
func ClampDepth(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func normalizeAnglePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return domain.Float(NormalizeAngle(*v))
}

func clampDepthPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return domain.Float(ClampDepth(*v))
}

// NormalizeBox applies the angle heuristic to latitude and longitude bounds
// and clamps depth bounds.
func NormalizeBox(b domain.Box) domain.Box {
	return domain.Box{
		MinLat:   normalizeAnglePtr(b.MinLat),
		MaxLat:   normalizeAnglePtr(b.MaxLat),
		MinLon:   normalizeAnglePtr(b.MinLon),
		MaxLon:   normalizeAnglePtr(b.MaxLon),
		MinDepth: clampDepthPtr(b.MinDepth),
		MaxDepth: clampDepthPtr(b.MaxDepth),
	}
}

// RoleFor tags the well-known field names with their semantic role.
func RoleFor(name string) domain.VariableRole {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latitude":
		return domain.RoleLatitude
	case "longitude":
		return domain.RoleLongitude
	case "depth":
		return domain.RoleDepth
	case "time":
		return domain.RoleTime
	}
	return domain.RoleNone
}

// Variables turns introspected fields into ordered variable descriptors.
func Variables(fields []Field) []domain.Variable {
	out := make([]domain.Variable, 0, len(fields))
	for i, f := range fields {
		out = append(out, domain.Variable{
			Column:   i + 1,
			Name:     f.Name,
			Format:   f.Type,
			Units:    unquote(f.Units),
			LongName: unquote(f.LongName),
			Role:     RoleFor(f.Name),
		})
	}
	return out
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}
