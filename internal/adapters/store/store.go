// Package store provides a SQLite-backed record store whose mutations are
// published as row change events.
//
// Records are JSON documents grouped into named collections. Every insert,
// update and delete is committed first and then handed to a ports.ChangeSink
// as an INSERT, UPDATE or DELETE change on the table named after the
// collection, so realtime subscriptions observe the store like a hosted
// database change feed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/filter"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Schema is the schema name stamped on published changes.
const Schema = "public"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// schemaVersion is incremented when the records table changes shape.
const schemaVersion = 1

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Store is a collection-oriented record store.
type Store struct {
	db     *sql.DB
	path   string
	sink   ports.ChangeSink
	logger *slog.Logger
	now    func() time.Time

	// mu orders commit-then-publish so subscribers see changes in commit
	// order.
	mu sync.Mutex
}

// Open opens or creates the database at path. Changes are published to
// sink, which may be nil.
func Open(path string, sink ports.ChangeSink, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if err := createSchema(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened record store", "path", path)

	return &Store{
		db:     db,
		path:   path,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}, nil
}

func createSchema(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return err
	}

	var current int
	if err := db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&current); err != nil {
		current = 0
	}
	if current > 0 && current < schemaVersion {
		logger.Info("Record schema changed, rebuilding", "old_version", current, "new_version", schemaVersion)
		_, _ = db.Exec("DROP TABLE IF EXISTS records")
	}

	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_created ON records(collection, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	_, err := db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)", schemaVersion)
	return err
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores data in collection and publishes an INSERT. A string "id"
// field is used as the record id; a missing or empty one is generated. Any
// other id type is rejected.
func (s *Store) Insert(ctx context.Context, collection string, data events.Record) (events.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	rec := cloneRecord(data)
	var id string
	if raw, ok := rec["id"]; ok && raw != nil {
		if id, ok = raw.(string); !ok {
			return nil, domain.NewValidationError("id", fmt.Sprintf("must be a string, got %T", raw))
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	rec["id"] = id

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec["created_at"] = now.Format(time.RFC3339Nano)
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(payload), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}

	stored, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	s.publish(collection, events.OperationInsert, now, stored, nil)
	s.logger.Debug("Inserted record", "collection", collection, "id", id)
	return stored, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, collection, id string) (events.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, collection, id)
}

// Update merges patch into a record and publishes an UPDATE carrying the
// new and previous rows. The id field cannot be changed.
func (s *Store) Update(ctx context.Context, collection, id string, patch events.Record) (events.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return nil, err
	}

	rec := cloneRecord(old)
	for k, v := range patch {
		if k == "id" || k == "created_at" {
			continue
		}
		rec[k] = v
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(payload), now.Format(time.RFC3339Nano), collection, id); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	s.publish(collection, events.OperationUpdate, now, updated, old)
	s.logger.Debug("Updated record", "collection", collection, "id", id)
	return updated, nil
}

// Delete removes a record and publishes a DELETE carrying the removed row.
func (s *Store) Delete(ctx context.Context, collection, id string) (events.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.publish(collection, events.OperationDelete, s.now().UTC(), nil, old)
	s.logger.Debug("Deleted record", "collection", collection, "id", id)
	return old, nil
}

// Query returns the records of collection matching f in insertion order.
// A limit of zero or less returns every match.
func (s *Store) Query(ctx context.Context, collection string, f filter.Filter, limit int) ([]events.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM records WHERE collection = ? ORDER BY created_at, rowid`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			s.logger.Warn("Skipping undecodable record", "collection", collection, "error", err)
			continue
		}
		if !f.Match(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// Collections returns the names of all non-empty collections.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM records ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, collection, id string) (events.Record, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord([]byte(data))
}

func (s *Store) publish(collection string, op events.ChangeOperation, at time.Time, newRec, oldRec events.Record) {
	if s.sink == nil {
		return
	}
	s.sink.PublishChange(events.ChangeEvent{
		Schema:     Schema,
		Table:      collection,
		Operation:  op,
		CommitTime: at,
		New:        newRec,
		Old:        oldRec,
	})
}

func validateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return domain.NewValidationError("collection", fmt.Sprintf("invalid name %q", name))
	}
	return nil
}

func decodeRecord(data []byte) (events.Record, error) {
	var rec events.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func cloneRecord(r events.Record) events.Record {
	out := make(events.Record, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}
