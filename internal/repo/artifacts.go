package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"updatebot/internal/domain"
)

const artifactColumns = `id,node_id,name,uri,kind,mime_type,has_descriptor,no_derived,structured,start_at,end_at,
min_lat,max_lat,min_lon,max_lon,min_depth,max_depth,content_length,derived,access_uri,record_count,group_name`

func scanArtifact(row rowScanner) (domain.ArtifactRef, error) {
	var a domain.ArtifactRef
	var mime, start, end, access, group sql.NullString
	var hasDesc, noDerived, structured, derived int
	var length, records sql.NullInt64
	var box boxColumns
	dest := []any{&a.ID, &a.NodeID, &a.Name, &a.URI, &a.Kind, &mime, &hasDesc, &noDerived, &structured, &start, &end}
	dest = append(dest, box.dest()...)
	dest = append(dest, &length, &derived, &access, &records, &group)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	a.MimeType = mime.String
	a.AccessURI = access.String
	a.Group = group.String
	a.Derived = derived == 1
	a.ContentLength = int64Ptr(length)
	a.RecordCount = int64Ptr(records)
	if hasDesc == 1 {
		a.Descriptor = &domain.Descriptor{NoDerivedArtifact: noDerived == 1, IsStructured: structured == 1}
	}
	a.Extent.Box = box.box()
	var err error
	if a.Extent.Start, err = timePtr(start); err != nil {
		return a, err
	}
	if a.Extent.End, err = timePtr(end); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) queryArtifacts(ctx context.Context, query string, args ...any) ([]domain.ArtifactRef, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactRef
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) FindArtifact(ctx context.Context, id string) (domain.ArtifactRef, error) {
	a, err := scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
	return a, catalogErr("find artifact", err)
}

// ListArtifacts returns the outputs of nodeID in output order.
func (r Repo) ListArtifacts(ctx context.Context, nodeID string) ([]domain.ArtifactRef, error) {
	res, err := r.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE node_id=? ORDER BY position, created_at, rowid`, nodeID)
	return res, catalogErr("list artifacts", err)
}

// DerivedFor returns the derived artifacts built from sourceID, newest first.
func (r Repo) DerivedFor(ctx context.Context, sourceID string) ([]domain.ArtifactRef, error) {
	res, err := r.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE source_id=? ORDER BY created_at DESC, rowid DESC`, sourceID)
	return res, catalogErr("list derived artifacts", err)
}

// SaveArtifact inserts or updates an artifact. New artifacts are appended to
// the end of their node's outputs.
func (r Repo) SaveArtifact(ctx context.Context, a domain.ArtifactRef) (domain.ArtifactRef, error) {
	if err := a.Validate(); err != nil {
		return a, err
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = r.saveArtifactTx(ctx, tx, a, "")
		return err
	})
	return a, catalogErr("save artifact", err)
}

func (r Repo) saveArtifactTx(ctx context.Context, q execer, a domain.ArtifactRef, sourceID string) (domain.ArtifactRef, error) {
	if a.NodeID == "" {
		return a, fmt.Errorf("artifact %q has no owning node", a.Name)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	ts := r.stamp()
	var hasDesc, noDerived, structured bool
	if a.Descriptor != nil {
		hasDesc = true
		noDerived = a.Descriptor.NoDerivedArtifact
		structured = a.Descriptor.IsStructured
	}
	args := []any{
		a.ID, a.NodeID, a.NodeID, a.Name, a.URI, a.Kind, nullable(a.MimeType),
		boolInt(hasDesc), boolInt(noDerived), boolInt(structured),
		nullableTime(a.Extent.Start), nullableTime(a.Extent.End),
	}
	args = append(args, boxArgs(a.Extent.Box)...)
	args = append(args,
		nullableInt64(a.ContentLength), boolInt(a.Derived), nullable(sourceID), nullable(a.AccessURI),
		nullableInt64(a.RecordCount), nullable(a.Group), ts, ts,
	)
	_, err := q.ExecContext(ctx, `INSERT INTO artifacts(id,node_id,position,name,uri,kind,mime_type,has_descriptor,no_derived,structured,start_at,end_at,
min_lat,max_lat,min_lon,max_lon,min_depth,max_depth,content_length,derived,source_id,access_uri,record_count,group_name,created_at,updated_at)
VALUES (?,?,(SELECT COALESCE(MAX(position)+1,0) FROM artifacts WHERE node_id=?),?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, uri=excluded.uri, kind=excluded.kind, mime_type=excluded.mime_type,
  has_descriptor=excluded.has_descriptor, no_derived=excluded.no_derived, structured=excluded.structured,
  start_at=excluded.start_at, end_at=excluded.end_at,
  min_lat=excluded.min_lat, max_lat=excluded.max_lat, min_lon=excluded.min_lon, max_lon=excluded.max_lon,
  min_depth=excluded.min_depth, max_depth=excluded.max_depth,
  content_length=excluded.content_length, access_uri=excluded.access_uri,
  record_count=excluded.record_count, group_name=excluded.group_name, updated_at=excluded.updated_at`, args...)
	return a, err
}

// SaveDerived catalogs a derived artifact, its variables, its conversion log
// and the process run that produced it in one transaction.
func (r Repo) SaveDerived(ctx context.Context, d domain.DerivedArtifact) (domain.DerivedArtifact, error) {
	if err := d.ProcessRun.Validate(); err != nil {
		return d, err
	}
	if err := d.Artifact.Validate(); err != nil {
		return d, err
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		run, err := r.saveNodeTx(ctx, tx, d.ProcessRun)
		if err != nil {
			return err
		}
		d.ProcessRun = run
		for _, in := range run.Inputs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO node_inputs(node_id,artifact_id) VALUES (?,?)`, run.ID, in); err != nil {
				return err
			}
		}
		d.Artifact.NodeID = run.ID
		if d.Artifact, err = r.saveArtifactTx(ctx, tx, d.Artifact, d.SourceID); err != nil {
			return err
		}
		d.ProcessRun.Outputs = []string{d.Artifact.ID}
		for i, v := range d.Variables {
			if v.Column == 0 {
				v.Column = i + 1
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO variables(artifact_id,column_index,name,format,units,long_name,role) VALUES (?,?,?,?,?,?,?)`,
				d.Artifact.ID, v.Column, v.Name, nullable(v.Format), nullable(v.Units), nullable(v.LongName), nullable(string(v.Role))); err != nil {
				return err
			}
			d.Variables[i] = v
		}
		if d.Log != nil {
			d.Log.OwnerKind = domain.OwnerArtifact
			d.Log.OwnerID = d.Artifact.ID
			saved, err := r.addResourceTx(ctx, tx, *d.Log)
			if err != nil {
				return err
			}
			d.Log = &saved
		}
		return nil
	})
	return d, catalogErr("save derived artifact", err)
}

func (r Repo) Variables(ctx context.Context, artifactID string) ([]domain.Variable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT column_index,name,format,units,long_name,role FROM variables WHERE artifact_id=? ORDER BY column_index`, artifactID)
	if err != nil {
		return nil, catalogErr("list variables", err)
	}
	defer rows.Close()
	var res []domain.Variable
	for rows.Next() {
		var v domain.Variable
		var format, units, longName, role sql.NullString
		if err := rows.Scan(&v.Column, &v.Name, &format, &units, &longName, &role); err != nil {
			return nil, catalogErr("list variables", err)
		}
		v.Format = format.String
		v.Units = units.String
		v.LongName = longName.String
		v.Role = domain.VariableRole(role.String)
		res = append(res, v)
	}
	return res, catalogErr("list variables", rows.Err())
}

// AddResource attaches a resource to a node or artifact.
func (r Repo) AddResource(ctx context.Context, res domain.Resource) (domain.Resource, error) {
	saved, err := r.addResourceTx(ctx, r.DB, res)
	return saved, catalogErr("add resource", err)
}

func (r Repo) addResourceTx(ctx context.Context, q execer, res domain.Resource) (domain.Resource, error) {
	if res.OwnerID == "" || (res.OwnerKind != domain.OwnerNode && res.OwnerKind != domain.OwnerArtifact) {
		return res, domain.Errorf(domain.ErrValidation, "add resource", "resource %q has no valid owner", res.Name)
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO resources(id,owner_kind,owner_id,name,description,uri,mime_type,keyword,start_at,end_at,content_length,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.OwnerKind, res.OwnerID, domain.Truncate(res.Name, domain.MaxNameLength), nullable(domain.Truncate(res.Description, domain.MaxDescriptionLength)),
		res.URI, nullable(res.MimeType), nullable(res.Keyword), nullableTime(res.Start), nullableTime(res.End), nullableInt64(res.ContentLength), r.stamp())
	return res, err
}

// Resources lists the resources attached to one owner in attachment order.
func (r Repo) Resources(ctx context.Context, ownerKind, ownerID string) ([]domain.Resource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_kind,owner_id,name,description,uri,mime_type,keyword,start_at,end_at,content_length
FROM resources WHERE owner_kind=? AND owner_id=? ORDER BY created_at, rowid`, ownerKind, ownerID)
	if err != nil {
		return nil, catalogErr("list resources", err)
	}
	defer rows.Close()
	var res []domain.Resource
	for rows.Next() {
		var x domain.Resource
		var desc, mime, keyword, start, end sql.NullString
		var length sql.NullInt64
		if err := rows.Scan(&x.ID, &x.OwnerKind, &x.OwnerID, &x.Name, &desc, &x.URI, &mime, &keyword, &start, &end, &length); err != nil {
			return nil, catalogErr("list resources", err)
		}
		x.Description = desc.String
		x.MimeType = mime.String
		x.Keyword = keyword.String
		x.ContentLength = int64Ptr(length)
		if x.Start, err = timePtr(start); err != nil {
			return nil, catalogErr("list resources", err)
		}
		if x.End, err = timePtr(end); err != nil {
			return nil, catalogErr("list resources", err)
		}
		res = append(res, x)
	}
	return res, catalogErr("list resources", rows.Err())
}
