package convert

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updatebot/internal/domain"
	"updatebot/internal/staleness"
	"updatebot/internal/storage"
)

type stubConverter struct {
	res   Result
	err   error
	calls int
}

func (s *stubConverter) Convert(_ context.Context, _ string, scratch string) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	if err := os.WriteFile(scratch, []byte("CDF"), 0o644); err != nil {
		return Result{}, err
	}
	return s.res, nil
}

type stubIntrospector struct {
	fields []Field
	err    error
}

func (s stubIntrospector) Describe(context.Context, string) ([]Field, error) {
	return s.fields, s.err
}

type memCatalog struct {
	derived   []domain.DerivedArtifact
	artifacts []domain.ArtifactRef
}

func (m *memCatalog) SaveDerived(_ context.Context, d domain.DerivedArtifact) (domain.DerivedArtifact, error) {
	d.Artifact.ID = "derived-1"
	d.ProcessRun.ID = "run-1"
	m.derived = append(m.derived, d)
	return d, nil
}

func (m *memCatalog) SaveArtifact(_ context.Context, a domain.ArtifactRef) (domain.ArtifactRef, error) {
	m.artifacts = append(m.artifacts, a)
	return a, nil
}

type recorder struct{ calls []*time.Time }

func (r *recorder) RecordRegeneration(_ context.Context, _ domain.ArtifactRef, at *time.Time) error {
	r.calls = append(r.calls, at)
	return nil
}

type lengths map[string]int64

func (l lengths) ContentLength(_ context.Context, uri string) (*int64, error) {
	if n, ok := l[uri]; ok {
		return &n, nil
	}
	return nil, nil
}

type failingStore struct{ storage.Store }

func (failingStore) Promote(context.Context, string, string) error { return errors.New("disk full") }

type failingCatalog struct{ memCatalog }

func (*failingCatalog) SaveDerived(context.Context, domain.DerivedArtifact) (domain.DerivedArtifact, error) {
	return domain.DerivedArtifact{}, errors.New("database is locked")
}

// unknownModTime is a source server that sends no Last-Modified header.
type unknownModTime struct{}

func (unknownModTime) LastModified(context.Context, string) (*time.Time, error) { return nil, nil }

func ts(d int) *time.Time {
	return domain.Time(time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC))
}

func source() domain.ArtifactRef {
	a := domain.NewArtifact("ctd", "http://data.example.org/raw/2024/ctd.dat", domain.ArtifactFile).WithDescriptor(false, true)
	a.ID = "src-1"
	a.NodeID = "node-1"
	return a
}

type fixture struct {
	svc   *Service
	conv  *stubConverter
	cat   *memCatalog
	rec   *recorder
	local *storage.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := &storage.Local{FS: memfs.New(), BaseURL: "http://derived.example.org"}
	f := &fixture{
		conv: &stubConverter{res: Result{
			Start:        ts(1),
			End:          ts(5),
			MinLatitude:  domain.Float(0.6),
			MaxLatitude:  domain.Float(45),
			MinLongitude: domain.Float(-122),
			MaxLongitude: domain.Float(-121.5),
			MinDepth:     domain.Float(-2),
			MaxDepth:     domain.Float(200),
			MeanLatitude: domain.Float(36.5),
			MeanDepth:    domain.Float(10),
			Records:      120,
			Log:          "converted 120 records",
		}},
		cat:   &memCatalog{},
		rec:   &recorder{},
		local: local,
	}
	f.svc = &Service{
		Converter: f.conv,
		Introspector: stubIntrospector{fields: []Field{
			{Name: "time", Type: "Float64", Units: `"seconds since 1970-01-01"`},
			{Name: "Latitude", Type: "Float32", Units: "degrees_north", LongName: `"Latitude"`},
			{Name: "temperature", Type: "Float32", Units: "C"},
		}},
		Store:    local,
		Catalog:  f.cat,
		Recorder: f.rec,
		Lengths:  lengths{"http://derived.example.org/files/data.example.org/raw/2024/ctd.nc": 3, source().URI: 4096},
		Paths:    Paths{WorkingDir: t.TempDir(), AccessBaseURL: "http://dods.example.org/derived"},
		HostName: "crawler-1",
	}
	return f
}

func TestRelativeKey(t *testing.T) {
	assert.Equal(t, "files/data.example.org/raw/2024/ctd", RelativeKey(source()))

	s := domain.NewArtifact("s", "http://host:8080/streams/adcp.v1.bin?x=1", domain.ArtifactStream)
	assert.Equal(t, "streams/host:8080/streams/adcp", RelativeKey(s))

	l := Paths{WorkingDir: "/work", AccessBaseURL: "http://dods/"}.For(source())
	assert.Equal(t, "files/data.example.org/raw/2024/ctd.nc", l.Key)
	assert.Equal(t, "files/data.example.org/raw/2024/ctd.nc.log", l.LogKey)
	assert.Equal(t, "/work/files/data.example.org/raw/2024/ctd.nc", l.Working)
	assert.Equal(t, "http://dods/files/data.example.org/raw/2024/ctd.nc", l.AccessURL)
}

func TestNormalizeAngle(t *testing.T) {
	assert.InDelta(t, 1.2*180/math.Pi, NormalizeAngle(1.2), 1e-9)
	assert.InDelta(t, 68.7549, NormalizeAngle(1.2), 1e-4)
	assert.Equal(t, 45.0, NormalizeAngle(45))
	assert.Equal(t, -122.0, NormalizeAngle(-122))
	assert.Equal(t, 0.0, ClampDepth(-3))
	assert.Equal(t, 7.0, ClampDepth(7))

	b := NormalizeBox(domain.Box{MinLat: domain.Float(1.2), MaxDepth: domain.Float(2), MinDepth: domain.Float(-1)})
	assert.InDelta(t, 68.7549, *b.MinLat, 1e-4)
	assert.Equal(t, 2.0, *b.MaxDepth, "depth is never treated as radians")
	assert.Equal(t, 0.0, *b.MinDepth)
}

func TestVariablesRoles(t *testing.T) {
	vars := Variables([]Field{{Name: "TIME"}, {Name: "depth"}, {Name: "salinity", Units: `"psu"`}})
	require.Len(t, vars, 3)
	assert.Equal(t, domain.RoleTime, vars[0].Role)
	assert.Equal(t, domain.RoleDepth, vars[1].Role)
	assert.Equal(t, domain.RoleNone, vars[2].Role)
	assert.Equal(t, "psu", vars[2].Units)
	assert.Equal(t, 3, vars[2].Column)
}

func TestConvertCatalogsDerivedArtifact(t *testing.T) {
	f := newFixture(t)
	node := domain.NewDeployment("ctd deployment")
	node.ID = "node-1"
	remote := ts(1)

	out, err := f.svc.Convert(context.Background(), source(), node, remote)
	require.NoError(t, err)
	require.Len(t, f.cat.derived, 1)

	d := out.Derived
	assert.Equal(t, "derived-1", d.Artifact.ID)
	assert.Equal(t, "src-1", d.SourceID)
	assert.Equal(t, DerivedMimeType, d.Artifact.MimeType)
	assert.False(t, d.Artifact.Eligible())
	assert.EqualValues(t, 120, *d.Artifact.RecordCount)
	assert.EqualValues(t, 3, *d.Artifact.ContentLength)
	assert.InDelta(t, 0.6*180/math.Pi, *d.Artifact.Extent.Box.MinLat, 1e-9)
	assert.Equal(t, 45.0, *d.Artifact.Extent.Box.MaxLat)
	assert.Equal(t, 0.0, *d.Artifact.Extent.Box.MinDepth)

	require.Len(t, d.Variables, 3)
	assert.Equal(t, domain.RoleTime, d.Variables[0].Role)
	assert.Equal(t, "seconds since 1970-01-01", d.Variables[0].Units)
	assert.Equal(t, domain.RoleLatitude, d.Variables[1].Role)

	run := d.ProcessRun
	assert.Equal(t, domain.NodeProcessRun, run.Kind)
	assert.Equal(t, "node-1", run.ParentID)
	assert.Equal(t, ProducerGroup, run.Group)
	assert.Equal(t, "crawler-1", run.HostName)
	assert.Equal(t, []string{"src-1"}, run.Inputs)
	assert.Equal(t, 36.5, *run.NominalLatitude)

	require.NotNil(t, d.Log)
	assert.Equal(t, "Log File", d.Log.Keyword)
	logText, err := util.ReadFile(f.local.FS, "files/data.example.org/raw/2024/ctd.nc.log")
	require.NoError(t, err)
	assert.Equal(t, "converted 120 records", string(logText))

	assert.True(t, out.SourceChanged)
	assert.True(t, out.Source.Extent.Start.Equal(*ts(1)))
	assert.True(t, out.Source.Extent.End.Equal(*ts(5)))
	assert.EqualValues(t, 4096, *out.Source.ContentLength)
	require.Len(t, f.cat.artifacts, 1)

	require.Len(t, f.rec.calls, 1)
	assert.Equal(t, remote, f.rec.calls[0])

	_, err = os.Stat(f.svc.Paths.For(source()).Working)
	assert.True(t, errors.Is(err, os.ErrNotExist), "scratch is cleaned up")
}

func TestConvertFailureCatalogsNothing(t *testing.T) {
	f := newFixture(t)
	f.conv.err = errors.New("unsupported record layout")
	_, err := f.svc.Convert(context.Background(), source(), domain.NewDeployment("n"), ts(1))
	require.ErrorIs(t, err, domain.ErrConversion)
	assert.Empty(t, f.cat.derived)
	assert.Empty(t, f.rec.calls)
}

func TestPromoteFailureCatalogsNothing(t *testing.T) {
	f := newFixture(t)
	f.svc.Store = failingStore{f.local}
	_, err := f.svc.Convert(context.Background(), source(), domain.NewDeployment("n"), ts(1))
	require.ErrorIs(t, err, domain.ErrConversion)
	assert.Empty(t, f.cat.derived)
	assert.Empty(t, f.rec.calls)
}

func TestIntrospectionFailureAbortsArtifact(t *testing.T) {
	f := newFixture(t)
	f.svc.Introspector = stubIntrospector{err: errors.New("dds unavailable")}
	_, err := f.svc.Convert(context.Background(), source(), domain.NewDeployment("n"), ts(1))
	require.ErrorIs(t, err, domain.ErrIntrospection)
	assert.Empty(t, f.cat.derived)
	assert.Empty(t, f.rec.calls)
}

func TestFailedRegenerationLeavesNoTarget(t *testing.T) {
	cases := map[string]func(f *fixture) error{
		"introspection": func(f *fixture) error {
			f.svc.Introspector = stubIntrospector{err: errors.New("dods down")}
			return domain.ErrIntrospection
		},
		"catalog": func(f *fixture) error {
			f.svc.Catalog = &failingCatalog{}
			return domain.ErrCatalog
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			want := setup(f)
			ctx := context.Background()
			src := source()
			layout := f.svc.Paths.For(src)

			_, err := f.svc.Convert(ctx, src, domain.NewDeployment("n"), nil)
			require.ErrorIs(t, err, want)
			assert.Empty(t, f.rec.calls)

			for _, key := range []string{layout.Key, layout.LogKey} {
				ok, err := f.local.Exists(ctx, key)
				require.NoError(t, err)
				assert.False(t, ok, "%s left behind", key)
			}

			v := staleness.New(staleness.NewMemoryStore(), unknownModTime{}, f.local, nil).NeedsRegeneration(ctx, src, layout.Key)
			assert.True(t, v.Stale, "next crawl must retry: %s", v.Reason)
		})
	}
}

func TestWriteBackKeepsOpenStreamOpen(t *testing.T) {
	s := domain.NewArtifact("adcp", "http://example.org/adcp", domain.ArtifactStream)
	s.Extent.Start = ts(3)
	got, changed := writeBack(s, domain.Extent{Start: ts(2), End: ts(9)})
	assert.True(t, changed)
	assert.Nil(t, got.Extent.End)
	assert.True(t, got.Extent.Start.Equal(*ts(2)))

	f := source()
	f.Extent = domain.Extent{Start: ts(1), End: ts(9)}
	_, changed = writeBack(f, domain.Extent{Start: ts(2), End: ts(8)})
	assert.False(t, changed)
}

func TestExecConverter(t *testing.T) {
	scratch := filepath.Join(t.TempDir(), "out.nc")
	c := ExecConverter{
		Command: "sh",
		Args:    []string{"-c", `printf CDF > "$1"; echo '{"records":3,"start":"2024-01-01T00:00:00Z"}'; echo done >&2`, "sh", "{output}"},
	}
	res, err := c.Convert(context.Background(), "http://example.org/a.dat", scratch)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Records)
	require.NotNil(t, res.Start)
	assert.Equal(t, "done\n", res.Log)

	_, err = ExecConverter{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}}.Convert(context.Background(), "x", scratch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestHTTPIntrospector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/derived/files/a.nc.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"fields":[{"name":"time","type":"Float64","units":"s"},{"name":"temp","type":"Float32"}]}`))
	}))
	defer srv.Close()

	fields, err := HTTPIntrospector{}.Describe(context.Background(), srv.URL+"/derived/files/a.nc")
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "time", fields[0].Name)

	_, err = HTTPIntrospector{}.Describe(context.Background(), srv.URL+"/missing.nc")
	require.Error(t, err)
}
