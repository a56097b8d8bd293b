package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"updatebot/internal/domain"
)

const nodeColumns = `id,kind,name,description,role,parent_id,start_at,end_at,
min_lat,max_lat,min_lon,max_lon,min_depth,max_depth,
nominal_lat,nominal_lon,nominal_depth,contact_email,host_name,software_name,software_version,group_name,version,updated_at`

func scanNode(row rowScanner) (domain.DeploymentNode, error) {
	var n domain.DeploymentNode
	var desc, role, parent, start, end, updated sql.NullString
	var email, host, swName, swVersion, group sql.NullString
	var nomLat, nomLon, nomDepth sql.NullFloat64
	var box boxColumns
	dest := []any{&n.ID, &n.Kind, &n.Name, &desc, &role, &parent, &start, &end}
	dest = append(dest, box.dest()...)
	dest = append(dest, &nomLat, &nomLon, &nomDepth, &email, &host, &swName, &swVersion, &group, &n.Version, &updated)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, ErrNotFound
		}
		return n, err
	}
	n.Description = desc.String
	n.Role = role.String
	n.ParentID = parent.String
	n.ContactEmail = email.String
	n.HostName = host.String
	n.SoftwareName = swName.String
	n.SoftwareVersion = swVersion.String
	n.Group = group.String
	n.NominalLatitude = floatPtr(nomLat)
	n.NominalLongitude = floatPtr(nomLon)
	n.NominalDepth = floatPtr(nomDepth)
	n.Extent.Box = box.box()
	var err error
	if n.Extent.Start, err = timePtr(start); err != nil {
		return n, err
	}
	if n.Extent.End, err = timePtr(end); err != nil {
		return n, err
	}
	if n.UpdatedAt, err = timePtr(updated); err != nil {
		return n, err
	}
	return n, nil
}

// loadRelations fills the identity lists that are stored on other rows.
func loadRelations(ctx context.Context, q execer, n *domain.DeploymentNode) error {
	var err error
	if n.Outputs, err = queryIDs(ctx, q, `SELECT id FROM artifacts WHERE node_id=? ORDER BY position, created_at, rowid`, n.ID); err != nil {
		return err
	}
	if n.Children, err = queryIDs(ctx, q, `SELECT id FROM nodes WHERE parent_id=? AND kind=? ORDER BY created_at, rowid`, n.ID, domain.NodeDeployment); err != nil {
		return err
	}
	if n.Inputs, err = queryIDs(ctx, q, `SELECT artifact_id FROM node_inputs WHERE node_id=? ORDER BY artifact_id`, n.ID); err != nil {
		return err
	}
	return nil
}

func queryIDs(ctx context.Context, q execer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) queryNodes(ctx context.Context, query string, args ...any) ([]domain.DeploymentNode, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.DeploymentNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if err := loadRelations(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// FindRoots returns every parentless deployment ordered by name.
func (r Repo) FindRoots(ctx context.Context) ([]domain.DeploymentNode, error) {
	res, err := r.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL AND kind=? ORDER BY name, id`, domain.NodeDeployment)
	return res, catalogErr("find roots", err)
}

// FindChildren returns the child deployments of nodeID in creation order.
// Process runs are not part of the traversal and are excluded.
func (r Repo) FindChildren(ctx context.Context, nodeID string) ([]domain.DeploymentNode, error) {
	res, err := r.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id=? AND kind=? ORDER BY created_at, rowid`, nodeID, domain.NodeDeployment)
	return res, catalogErr("find children", err)
}

// ProcessRuns returns the process runs recorded under nodeID, newest first.
func (r Repo) ProcessRuns(ctx context.Context, nodeID string) ([]domain.DeploymentNode, error) {
	res, err := r.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id=? AND kind=? ORDER BY created_at DESC, rowid DESC`, nodeID, domain.NodeProcessRun)
	return res, catalogErr("list process runs", err)
}

// ListDeployments returns every deployment node ordered by name.
func (r Repo) ListDeployments(ctx context.Context) ([]domain.DeploymentNode, error) {
	res, err := r.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE kind=? ORDER BY name, id`, domain.NodeDeployment)
	return res, catalogErr("list deployments", err)
}

func (r Repo) FindNode(ctx context.Context, id string) (domain.DeploymentNode, error) {
	n, err := scanNode(r.DB.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
	if err != nil {
		return n, catalogErr("find node", err)
	}
	if err := loadRelations(ctx, r.DB, &n); err != nil {
		return n, catalogErr("find node", err)
	}
	return n, nil
}

// SaveNode inserts a node with Version 0 and otherwise updates it when the
// stored version still matches, returning the node with its new version.
// Outputs, children and inputs are stored on their own rows and are not
// written here.
func (r Repo) SaveNode(ctx context.Context, n domain.DeploymentNode) (domain.DeploymentNode, error) {
	if err := n.Validate(); err != nil {
		return n, err
	}
	var saved domain.DeploymentNode
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, err = r.saveNodeTx(ctx, tx, n)
		return err
	})
	if err != nil {
		return n, catalogErr("save node", err)
	}
	return saved, nil
}

func (r Repo) saveNodeTx(ctx context.Context, q execer, n domain.DeploymentNode) (domain.DeploymentNode, error) {
	now := r.now()
	ts := now.Format(time.RFC3339Nano)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	fields := []any{
		n.Kind, n.Name, nullable(n.Description), nullable(n.Role), nullable(n.ParentID),
		nullableTime(n.Extent.Start), nullableTime(n.Extent.End),
	}
	fields = append(fields, boxArgs(n.Extent.Box)...)
	fields = append(fields,
		nullableFloat(n.NominalLatitude), nullableFloat(n.NominalLongitude), nullableFloat(n.NominalDepth),
		nullable(n.ContactEmail), nullable(n.HostName), nullable(n.SoftwareName), nullable(n.SoftwareVersion), nullable(n.Group),
	)

	if n.Version == 0 {
		args := append([]any{n.ID}, fields...)
		args = append(args, ts, ts)
		_, err := q.ExecContext(ctx, `INSERT INTO nodes(id,kind,name,description,role,parent_id,start_at,end_at,
min_lat,max_lat,min_lon,max_lon,min_depth,max_depth,
nominal_lat,nominal_lon,nominal_depth,contact_email,host_name,software_name,software_version,group_name,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)`, args...)
		if err != nil {
			return n, err
		}
		n.Version = 1
		n.UpdatedAt = domain.Time(now)
		return n, nil
	}

	args := append(fields, ts, n.ID, n.Version)
	res, err := q.ExecContext(ctx, `UPDATE nodes SET kind=?,name=?,description=?,role=?,parent_id=?,start_at=?,end_at=?,
min_lat=?,max_lat=?,min_lon=?,max_lon=?,min_depth=?,max_depth=?,
nominal_lat=?,nominal_lon=?,nominal_depth=?,contact_email=?,host_name=?,software_name=?,software_version=?,group_name=?,
version=version+1,updated_at=? WHERE id=? AND version=?`, args...)
	if err != nil {
		return n, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var v int64
		if err := q.QueryRowContext(ctx, `SELECT version FROM nodes WHERE id=?`, n.ID).Scan(&v); err != nil {
			return n, err
		}
		return n, ErrConflict
	}
	n.Version++
	n.UpdatedAt = domain.Time(now)
	return n, nil
}

// DeleteNode removes a node; its artifacts go with it and its children
// become roots.
func (r Repo) DeleteNode(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM nodes WHERE id=?`, id)
	if err != nil {
		return catalogErr("delete node", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalogErr("delete node", ErrNotFound)
	}
	return nil
}
