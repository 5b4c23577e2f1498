package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
	_ "modernc.org/sqlite"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS event_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	range_id  TEXT    NOT NULL,
	vm_id     TEXT    NOT NULL DEFAULT '',
	job_id    TEXT    NOT NULL DEFAULT '',
	type      TEXT    NOT NULL,
	message   TEXT    NOT NULL,
	data      TEXT    NOT NULL DEFAULT '{}',
	ts        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_range_ts ON event_log (range_id, ts);
`

// SQLiteEventLog implements EventLog on SQLite, for deployments that query
// event history with external tools
type SQLiteEventLog struct {
	db *sql.DB
}

// NewSQLiteEventLog opens (or creates) events.db under dataDir
func NewSQLiteEventLog(dataDir string) (*SQLiteEventLog, error) {
	path := filepath.Join(dataDir, "events.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate event database: %w", err)
	}

	return &SQLiteEventLog{db: db}, nil
}

func (l *SQLiteEventLog) AppendEvent(entry *types.EventLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var last sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(ts) FROM event_log WHERE range_id = ?", entry.RangeID).Scan(&last); err != nil {
		return fmt.Errorf("failed to read last event time: %w", err)
	}
	if last.Valid {
		entry.Timestamp = nextTimestamp(entry.Timestamp, time.Unix(0, last.Int64))
	}
	ts := entry.Timestamp.UnixNano()

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return err
	}

	result, err := tx.Exec(`
		INSERT INTO event_log (range_id, vm_id, job_id, type, message, data, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RangeID, entry.VMID, entry.JobID, string(entry.Type), entry.Message, string(data), ts)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	entry.ID = uint64(id)

	return tx.Commit()
}

func (l *SQLiteEventLog) ListEvents(rangeID string, filter types.EventFilter) ([]*types.EventLogEntry, error) {
	var (
		where = []string{"range_id = ?"}
		args  = []any{rangeID}
	)
	if !filter.Since.IsZero() {
		where = append(where, "ts > ?")
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.VMID != "" {
		where = append(where, "vm_id = ?")
		args = append(args, filter.VMID)
	}

	query := "SELECT id, range_id, vm_id, job_id, type, message, data, ts FROM event_log WHERE " +
		strings.Join(where, " AND ") + " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []*types.EventLogEntry
	for rows.Next() {
		var (
			e       types.EventLogEntry
			id, ts  int64
			typ     string
			rawData string
		)
		if err := rows.Scan(&id, &e.RangeID, &e.VMID, &e.JobID, &typ, &e.Message, &rawData, &ts); err != nil {
			return nil, err
		}
		e.ID = uint64(id)
		e.Type = types.EventType(typ)
		e.Timestamp = time.Unix(0, ts).UTC()
		if rawData != "" && rawData != "null" {
			if err := json.Unmarshal([]byte(rawData), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event %d: %w", id, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (l *SQLiteEventLog) DeleteEvents(rangeID string) error {
	_, err := l.db.Exec("DELETE FROM event_log WHERE range_id = ?", rangeID)
	return err
}

func (l *SQLiteEventLog) PruneEvents(before time.Time) (int, error) {
	result, err := l.db.Exec("DELETE FROM event_log WHERE ts < ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (l *SQLiteEventLog) Close() error {
	return l.db.Close()
}

// splitStore routes event log calls to a separate backend
type splitStore struct {
	Store
	events EventLog
}

// WithEventLog returns a Store whose event log is served by events instead of
// the store's own. Range deletion cascades into both.
func WithEventLog(store Store, events EventLog) Store {
	return &splitStore{Store: store, events: events}
}

func (s *splitStore) AppendEvent(entry *types.EventLogEntry) error {
	return s.events.AppendEvent(entry)
}

func (s *splitStore) ListEvents(rangeID string, filter types.EventFilter) ([]*types.EventLogEntry, error) {
	return s.events.ListEvents(rangeID, filter)
}

func (s *splitStore) DeleteEvents(rangeID string) error {
	return s.events.DeleteEvents(rangeID)
}

func (s *splitStore) PruneEvents(before time.Time) (int, error) {
	return s.events.PruneEvents(before)
}

func (s *splitStore) DeleteRange(id string) error {
	if err := s.Store.DeleteRange(id); err != nil {
		return err
	}
	return s.events.DeleteEvents(id)
}

func (s *splitStore) Close() error {
	evErr := s.events.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return evErr
}
