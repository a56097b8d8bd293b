package domain

import "time"

// Box is a geospatial bounding box. Every bound is optional.
type Box struct {
	MinLat   *float64 `json:"min_lat,omitempty"`
	MaxLat   *float64 `json:"max_lat,omitempty"`
	MinLon   *float64 `json:"min_lon,omitempty"`
	MaxLon   *float64 `json:"max_lon,omitempty"`
	MinDepth *float64 `json:"min_depth,omitempty"`
	MaxDepth *float64 `json:"max_depth,omitempty"`
}

// Extent is a temporal range plus a bounding box. Values are treated as
// immutable: every merge returns a new Extent.
type Extent struct {
	Start *time.Time `json:"start,omitempty" format:"date-time"`
	End   *time.Time `json:"end,omitempty" format:"date-time"`
	Box   Box        `json:"box"`
}

// Time returns a pointer to t in UTC.
func Time(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// IsZero reports whether no bound is set.
func (e Extent) IsZero() bool {
	return e.Start == nil && e.End == nil && e.Box.IsZero()
}

func (b Box) IsZero() bool {
	return b.MinLat == nil && b.MaxLat == nil && b.MinLon == nil &&
		b.MaxLon == nil && b.MinDepth == nil && b.MaxDepth == nil
}

// Merge widens e by o: earliest start, latest end, widest box.
func (e Extent) Merge(o Extent) Extent {
	return Extent{
		Start: Earliest(e.Start, o.Start),
		End:   Latest(e.End, o.End),
		Box:   e.Box.Widen(o.Box),
	}
}

// Widen returns the smallest box containing both b and o. Bounds never narrow.
func (b Box) Widen(o Box) Box {
	return Box{
		MinLat:   minFloat(b.MinLat, o.MinLat),
		MaxLat:   maxFloat(b.MaxLat, o.MaxLat),
		MinLon:   minFloat(b.MinLon, o.MinLon),
		MaxLon:   maxFloat(b.MaxLon, o.MaxLon),
		MinDepth: minFloat(b.MinDepth, o.MinDepth),
		MaxDepth: maxFloat(b.MaxDepth, o.MaxDepth),
	}
}

// Equal compares bounds by value.
func (e Extent) Equal(o Extent) bool {
	return timeEqual(e.Start, o.Start) && timeEqual(e.End, o.End) && e.Box.Equal(o.Box)
}

func (b Box) Equal(o Box) bool {
	return floatEqual(b.MinLat, o.MinLat) && floatEqual(b.MaxLat, o.MaxLat) &&
		floatEqual(b.MinLon, o.MinLon) && floatEqual(b.MaxLon, o.MaxLon) &&
		floatEqual(b.MinDepth, o.MinDepth) && floatEqual(b.MaxDepth, o.MaxDepth)
}

// Earliest returns the earlier instant; a nil side loses to a set one.
func Earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

// Latest returns the later instant; a nil side loses to a set one.
func Latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}

func minFloat(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	}
	return a
}

func maxFloat(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	}
	return a
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
