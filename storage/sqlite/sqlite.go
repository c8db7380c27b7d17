// Package sqlite provides a SQLite implementation of storage.Store.
//
// Models without a dedicated table share a default table keyed by
// (id, entity_type). InitModel creates a table per model. Values are stored
// as JSON text so that List can filter with json_extract.
//
//	store, err := sqlite.New("file:fieldguard.s3db", sqlite.WithPrefix("fg_"))
//	store, err := sqlite.New(":memory:")
//
//nolint:gosec // Reports on G202. SQL string concat used to parameterize table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/storage"
	"github.com/mattn/go-sqlite3"
)

// Option is a functional option for configuring the store.
type Option func(*store)

// WithPrefix overides the default prefix for table names.
func WithPrefix(prefix string) Option {
	return func(s *store) {
		s.prefix = prefix
	}
}

// New opens a sqlite database and creates the default table. The pool is
// limited to one connection: sqlite serializes writers anyway, and an
// in-memory database only exists on the connection that created it.
func New(conn string, opts ...Option) (storage.Store, error) {
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, errors.WrapPrefix(err, "failed to open sqlite connection", 0)
	}
	db.SetMaxOpenConns(1)

	s := &store{
		db:     db,
		prefix: "fieldguard_",
		tables: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureTable(context.Background(), "default", true); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type store struct {
	db     *sql.DB
	prefix string

	mu     sync.RWMutex
	tables map[string]bool
}

// InitModel creates a dedicated table for the model.
func (s *store) InitModel(ctx context.Context, model storage.Model) error {
	name := storage.Name(model)
	if err := s.ensureTable(ctx, name, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.tables[name] = true
	s.mu.Unlock()
	return nil
}

func (s *store) Create(ctx context.Context, models ...storage.Model) error {
	return s.insert(ctx, false, models...)
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	return s.insert(ctx, true, models...)
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}

	where, args := s.byID(model, id)
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM "+s.tableName(model)+where, args...).Scan(&value)
	if err != nil {
		return translateError(err)
	}
	if err := json.Unmarshal(value, model); err != nil {
		return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
	}
	return nil
}

func (s *store) Update(ctx context.Context, models ...storage.Model) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, model := range models {
			value, err := json.Marshal(model)
			if err != nil {
				return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
			}
			where, args := s.byID(model, model.PK())
			res, err := tx.ExecContext(ctx,
				"UPDATE "+s.tableName(model)+" SET value = ?, updated_at = CURRENT_TIMESTAMP"+where,
				append([]any{string(value)}, args...)...)
			if err != nil {
				return translateError(err)
			}
			if n, err := res.RowsAffected(); n == 0 || err != nil {
				return errors.Mark(storage.ErrNotFound, 0)
			}
		}
		return nil
	})
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	where, args := s.byID(model, model.PK())
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.tableName(model)+where, args...)
	if err != nil {
		return translateError(err)
	}
	if n, err := res.RowsAffected(); n == 0 || err != nil {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	return nil
}

func (s *store) List(ctx context.Context, models any, filter storage.Model) error {
	sliceVal, elemType, err := storage.ListTarget(models, filter)
	if err != nil {
		return err
	}

	query, args := s.buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return translateError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return translateError(err)
		}
		newElemPtr := reflect.New(elemType)
		if err := json.Unmarshal(value, newElemPtr.Interface()); err != nil {
			return errors.Mark(storage.ErrInvalidModel, 0).
				Append(err.Error()).
				Append(fmt.Sprintf("<%s>", value))
		}
		sliceVal.Set(reflect.Append(sliceVal, newElemPtr.Elem()))
	}
	return translateError(rows.Err())
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	where, args := s.byID(model, id)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.tableName(model)+where, args...).Scan(&count)
	if err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (s *store) insert(ctx context.Context, upsert bool, models ...storage.Model) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, model := range models {
			value, err := json.Marshal(model)
			if err != nil {
				return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
			}

			cols, conflict := "id, value", "id"
			args := []any{model.PK(), string(value)}
			placeholders := "?, ?"
			if s.isShared(model) {
				cols, conflict = "id, value, entity_type", "id, entity_type"
				args = append(args, storage.Name(model))
				placeholders = "?, ?, ?"
			}

			query := "INSERT INTO " + s.tableName(model) + " (" + cols + ") VALUES (" + placeholders + ")"
			if upsert {
				query += " ON CONFLICT(" + conflict + ") DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP"
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return translateError(err)
			}
		}
		return nil
	})
}

func (s *store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return translateError(tx.Commit())
}

func (s *store) isShared(model storage.Model) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.tables[storage.Name(model)]
}

func (s *store) tableName(model storage.Model) string {
	if s.isShared(model) {
		return s.prefix + "default"
	}
	return s.prefix + storage.Name(model)
}

// byID returns the WHERE clause addressing a single record.
func (s *store) byID(model storage.Model, id string) (string, []any) {
	if s.isShared(model) {
		return " WHERE id = ? AND entity_type = ?", []any{id, storage.Name(model)}
	}
	return " WHERE id = ?", []any{id}
}

func (s *store) ensureTable(ctx context.Context, name string, shared bool) error {
	pk, entityCol := "PRIMARY KEY (id)", ""
	if shared {
		pk, entityCol = "PRIMARY KEY (id, entity_type)", "entity_type TEXT NOT NULL,"
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.prefix+name+` (
		id TEXT NOT NULL,
		`+entityCol+`
		value TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		`+pk+`
	);`)
	if err != nil {
		return errors.Errorf("failed to create table [%s]: %w", name, err)
	}
	return nil
}

func (s *store) buildListQuery(filter storage.Model) (string, []any) {
	var where []string
	var args []any
	if s.isShared(filter) {
		where = append(where, "entity_type = ?")
		args = append(args, storage.Name(filter))
	}

	names, values := storage.FilterFields(filter)
	for i, name := range names {
		where = append(where, fmt.Sprintf("json_extract(value, '$.%s') = ?", name))
		args = append(args, values[i])
	}

	query := "SELECT value FROM " + s.tableName(filter)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query + " ORDER BY id", args
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrNotFound:
			return errors.Mark(storage.ErrNotFound, 0)
		case sqlite3.ErrConstraint:
			return errors.Mark(storage.ErrAlreadyExists, 0)
		}
	}
	return errors.MaybeWrap(err, 0)
}
