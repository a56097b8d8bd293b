package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"updatebot/internal/domain"
)

type EventFilter struct {
	RootID   string
	Type     string
	EntityID string
	Level    string
	// Cursor limits results to events older than this ID when > 0.
	Cursor int64
	Limit  int
}

// LatestEvents returns matching events, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RootID != "" {
		clauses = append(clauses, "root_id=?")
		args = append(args, f.RootID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, f.Level)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,ts,type,root_id,entity_kind,entity_id,level,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,root_id,entity_kind,entity_id,level,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, catalogErr("list events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var root, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &root, &e.EntityKind, &entity, &e.Level, &payload); err != nil {
			return nil, catalogErr("list events", err)
		}
		e.RootID = root.String
		e.EntityID = entity.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, catalogErr("list events", rows.Err())
}
