package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"updatebot/internal/db"
	"updatebot/internal/domain"
	"updatebot/internal/events"
	"updatebot/internal/migrate"
	"updatebot/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	v1, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 || v1 == 0 {
		t.Fatalf("versions %d then %d", v1, v2)
	}
}

func TestNodeTreeRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	root, err := r.SaveNode(ctx, domain.NewDeployment("M1 mooring"))
	if err != nil {
		t.Fatalf("save root: %v", err)
	}
	if root.ID == "" || root.Version != 1 {
		t.Fatalf("unexpected root %+v", root)
	}
	child := domain.NewDeployment("CTD")
	child.ParentID = root.ID
	child.ContactEmail = "pi@example.org"
	child.NominalLatitude = domain.Float(36.7)
	child, err = r.SaveNode(ctx, child)
	if err != nil {
		t.Fatalf("save child: %v", err)
	}

	art := domain.NewArtifact("ctd.dat", "http://example.org/raw/ctd.dat", domain.ArtifactFile).WithDescriptor(false, true)
	art.NodeID = child.ID
	art.Extent.Start = domain.Time(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	art, err = r.SaveArtifact(ctx, art)
	if err != nil {
		t.Fatalf("save artifact: %v", err)
	}
	stream := domain.NewArtifact("adcp", "http://example.org/raw/adcp", domain.ArtifactStream)
	stream.NodeID = child.ID
	stream, err = r.SaveArtifact(ctx, stream)
	if err != nil {
		t.Fatalf("save stream: %v", err)
	}

	roots, err := r.FindRoots(ctx)
	if err != nil || len(roots) != 1 {
		t.Fatalf("roots: %v %d", err, len(roots))
	}
	if len(roots[0].Children) != 1 || roots[0].Children[0] != child.ID {
		t.Fatalf("children: %+v", roots[0].Children)
	}
	kids, err := r.FindChildren(ctx, root.ID)
	if err != nil || len(kids) != 1 {
		t.Fatalf("find children: %v %d", err, len(kids))
	}
	got := kids[0]
	if got.ContactEmail != "pi@example.org" || got.NominalLatitude == nil || *got.NominalLatitude != 36.7 {
		t.Fatalf("child fields lost: %+v", got)
	}
	if len(got.Outputs) != 2 || got.Outputs[0] != art.ID || got.Outputs[1] != stream.ID {
		t.Fatalf("outputs out of order: %+v", got.Outputs)
	}

	back, err := r.FindArtifact(ctx, art.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Eligible() || back.Extent.Start == nil || !back.Extent.Start.Equal(*art.Extent.Start) {
		t.Fatalf("artifact round trip: %+v", back)
	}
	s, err := r.FindArtifact(ctx, stream.ID)
	if err != nil || !s.IsOpen() || s.Descriptor != nil {
		t.Fatalf("stream round trip: %+v %v", s, err)
	}
}

func TestSaveNodeVersionConflict(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	n, err := r.SaveNode(ctx, domain.NewDeployment("buoy"))
	if err != nil {
		t.Fatal(err)
	}
	stale := n
	n.Description = "first"
	if n, err = r.SaveNode(ctx, n); err != nil || n.Version != 2 {
		t.Fatalf("update: %v %d", err, n.Version)
	}
	stale.Description = "second"
	_, err = r.SaveNode(ctx, stale)
	if !errors.Is(err, domain.ErrCatalog) || !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = r.FindNode(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveNodeValidates(t *testing.T) {
	r := newTestRepo(t)
	n := domain.NewDeployment("bad")
	n.NominalLongitude = domain.Float(400)
	if _, err := r.SaveNode(context.Background(), n); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSaveDerived(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	node, err := r.SaveNode(ctx, domain.NewDeployment("ctd"))
	if err != nil {
		t.Fatal(err)
	}
	src := domain.NewArtifact("raw", "http://example.org/raw.dat", domain.ArtifactFile).WithDescriptor(false, true)
	src.NodeID = node.ID
	if src, err = r.SaveArtifact(ctx, src); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	run := domain.NewProcessRun("Converter on 2024-02-01T00:00:00Z", node.ID, now, now.Add(time.Minute))
	run.Inputs = []string{src.ID}
	d := domain.DerivedArtifact{
		Artifact: domain.ArtifactRef{
			Name: "raw.nc", URI: "http://derived/raw.nc", Kind: domain.ArtifactFile, Derived: true,
			Descriptor: &domain.Descriptor{NoDerivedArtifact: true},
		},
		Variables:  []domain.Variable{{Name: "time", Role: domain.RoleTime}, {Name: "temp", Units: "C"}},
		SourceID:   src.ID,
		ProcessRun: run,
		Log:        &domain.Resource{Name: "Conversion Log File", URI: "http://derived/raw.nc.log", Keyword: "Log File"},
	}
	saved, err := r.SaveDerived(ctx, d)
	if err != nil {
		t.Fatalf("save derived: %v", err)
	}
	if saved.ProcessRun.ID == "" || saved.Artifact.NodeID != saved.ProcessRun.ID {
		t.Fatalf("derived not owned by process run: %+v", saved)
	}

	derived, err := r.DerivedFor(ctx, src.ID)
	if err != nil || len(derived) != 1 || derived[0].ID != saved.Artifact.ID {
		t.Fatalf("derived for: %v %+v", err, derived)
	}
	vars, err := r.Variables(ctx, saved.Artifact.ID)
	if err != nil || len(vars) != 2 || vars[0].Role != domain.RoleTime || vars[1].Column != 2 {
		t.Fatalf("variables: %v %+v", err, vars)
	}
	res, err := r.Resources(ctx, domain.OwnerArtifact, saved.Artifact.ID)
	if err != nil || len(res) != 1 || res[0].Keyword != "Log File" {
		t.Fatalf("resources: %v %+v", err, res)
	}
	runs, err := r.ProcessRuns(ctx, node.ID)
	if err != nil || len(runs) != 1 || len(runs[0].Inputs) != 1 || runs[0].Inputs[0] != src.ID {
		t.Fatalf("process runs: %v %+v", err, runs)
	}
	kids, err := r.FindChildren(ctx, node.ID)
	if err != nil || len(kids) != 0 {
		t.Fatalf("process runs must not be traversed as children: %+v", kids)
	}
}

func TestStalenessRecordUpsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.GetRecord(ctx, "a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := r.UpsertRecord(ctx, domain.StalenessRecord{ArtifactID: "a1", RemoteModTime: first}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertRecord(ctx, domain.StalenessRecord{ArtifactID: "a1", RemoteModTime: first.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	rec, err := r.GetRecord(ctx, "a1")
	if err != nil || !rec.RemoteModTime.Equal(first.Add(time.Hour)) {
		t.Fatalf("record: %v %+v", err, rec)
	}
	n, err := r.CountRecords(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one row, got %d (%v)", n, err)
	}
}

func TestEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for i := 0; i < 3; i++ {
		if err := w.Append(ctx, nil, events.TypeNodeLogged, "root-1", "node", "n1", "info", events.Payload{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Append(ctx, nil, events.TypeNodeLogged, "root-2", "node", "n2", "error", nil); err != nil {
		t.Fatal(err)
	}
	evts, err := r.LatestEvents(ctx, repo.EventFilter{RootID: "root-1", Limit: 2})
	if err != nil || len(evts) != 2 || evts[0].ID < evts[1].ID {
		t.Fatalf("latest events: %v %+v", err, evts)
	}
	errs, err := r.LatestEvents(ctx, repo.EventFilter{Level: "error"})
	if err != nil || len(errs) != 1 || errs[0].RootID != "root-2" {
		t.Fatalf("level filter: %v %+v", err, errs)
	}
	after, err := r.EventsAfter(ctx, evts[1].ID, 10)
	if err != nil || len(after) != 2 {
		t.Fatalf("events after: %v %+v", err, after)
	}
}
