package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/offbit/flowtrace/internal/trace"
)

const eventColumns = `id, session_id, node_id, port_id, timestamp, event_type,
	data, duration_ms, metadata, error`

// InsertEvents appends a batch of node events in a single transaction.
func (s *Store) InsertEvents(ctx context.Context, events []trace.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_events (id, session_id, node_id, port_id, timestamp, event_type,
			data, duration_ms, metadata, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		var errJSON []byte
		if e.Error != nil {
			errJSON = marshalJSON(e.Error)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.SessionID, e.NodeID, e.PortID, e.Timestamp, string(e.EventType),
			marshalJSON(e.Data), e.Duration, marshalJSON(e.Metadata), errJSON,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EventFilter narrows ListSessionEvents.
type EventFilter struct {
	NodeID string
	Types  []trace.EventType
	From   *time.Time
	To     *time.Time
	Limit  int
}

// ListSessionEvents returns a session's events in timestamp order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, filter EventFilter) ([]trace.Event, error) {
	clauses := []string{"session_id = $1"}
	args := []interface{}{sessionID}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.NodeID != "" {
		add("node_id = $%d", filter.NodeID)
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		add("timestamp >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("timestamp <= $%d", *filter.To)
	}

	query := `SELECT ` + eventColumns + ` FROM trace_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY timestamp ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []trace.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*trace.Event, error) {
	var e trace.Event
	var eventType string
	var portID sql.NullString
	var duration sql.NullInt64
	var dataJSON, metaJSON, errJSON []byte

	err := row.Scan(&e.ID, &e.SessionID, &e.NodeID, &portID, &e.Timestamp, &eventType,
		&dataJSON, &duration, &metaJSON, &errJSON)
	if err != nil {
		return nil, err
	}

	e.EventType = trace.EventType(eventType)
	if portID.Valid {
		e.PortID = &portID.String
	}
	if duration.Valid {
		e.Duration = &duration.Int64
	}
	if len(dataJSON) > 0 {
		unmarshalInto(dataJSON, &e.Data)
	}
	if len(metaJSON) > 0 {
		unmarshalInto(metaJSON, &e.Metadata)
	}
	if len(errJSON) > 0 {
		e.Error = &trace.Error{}
		unmarshalInto(errJSON, e.Error)
	}
	return &e, nil
}
