package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeCrawlStarted   = "crawl.started"
	TypeCrawlFinished  = "crawl.finished"
	TypeNodeProcessed  = "node.processed"
	TypeArtifactLogged = "artifact.logged"
	TypeNodeLogged     = "node.logged"
)

// Writer appends processing-log entries to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes one event. With a nil tx the write goes straight to DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, rootID, entityKind, entityID, level string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,type,root_id,entity_kind,entity_id,level,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(rootID), entityKind, nullable(entityID), level, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
