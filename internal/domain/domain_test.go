package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) *time.Time {
	return Time(time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC))
}

func TestExtentMergeWidens(t *testing.T) {
	base := Extent{Start: day(10), End: day(20)}

	wider := base.Merge(Extent{Start: day(5), End: day(25)})
	assert.True(t, wider.Start.Equal(*day(5)))
	assert.True(t, wider.End.Equal(*day(25)))

	inner := base.Merge(Extent{Start: day(12), End: day(18)})
	assert.True(t, inner.Equal(base))

	fromEmpty := Extent{}.Merge(base)
	assert.True(t, fromEmpty.Equal(base))
}

func TestBoxWidenNeverNarrows(t *testing.T) {
	a := Box{MinLat: Float(10), MaxLat: Float(20), MinDepth: Float(0)}
	b := Box{MinLat: Float(12), MaxLat: Float(30), MaxDepth: Float(100)}
	w := a.Widen(b)
	assert.Equal(t, 10.0, *w.MinLat)
	assert.Equal(t, 30.0, *w.MaxLat)
	assert.Equal(t, 0.0, *w.MinDepth)
	assert.Equal(t, 100.0, *w.MaxDepth)
	assert.Nil(t, w.MinLon)
}

func TestEligibility(t *testing.T) {
	art := NewArtifact("ctd", "http://example.org/ctd.dat", ArtifactFile)
	assert.False(t, art.Eligible())
	assert.Equal(t, "no structural descriptor", art.IneligibleReason())

	assert.False(t, art.WithDescriptor(true, true).Eligible())
	assert.False(t, art.WithDescriptor(false, false).Eligible())
	assert.True(t, art.WithDescriptor(false, true).Eligible())
	assert.Empty(t, art.WithDescriptor(false, true).IneligibleReason())
}

func TestIsOpen(t *testing.T) {
	s := NewArtifact("adcp", "http://example.org/adcp", ArtifactStream)
	assert.True(t, s.IsOpen())
	s.Extent.End = day(3)
	assert.False(t, s.IsOpen())

	f := NewArtifact("file", "http://example.org/f", ArtifactFile)
	assert.False(t, f.IsOpen())
}

func TestValidate(t *testing.T) {
	n := NewDeployment("mooring")
	require.NoError(t, n.Validate())

	n.NominalLatitude = Float(91)
	err := n.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	n = NewDeployment(strings.Repeat("x", MaxNameLength+1))
	assert.ErrorIs(t, n.Validate(), ErrValidation)

	a := NewArtifact("a", "http://example.org/a", ArtifactFile)
	a.Extent.Box.MinLon = Float(-360)
	require.NoError(t, a.Validate())
	a.Extent.Box.MinDepth = Float(-1)
	assert.ErrorIs(t, a.Validate(), ErrValidation)
}

func TestWrapKinds(t *testing.T) {
	err := Wrap(ErrCatalog, "save node", ErrNotFound)
	assert.ErrorIs(t, err, ErrCatalog)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", KindName(err))
	assert.Equal(t, "network", KindName(Wrap(ErrNetwork, "head", errors.New("refused"))))
	assert.Nil(t, Wrap(ErrNetwork, "head", nil))
	assert.Equal(t, "internal", KindName(errors.New("x")))
}
