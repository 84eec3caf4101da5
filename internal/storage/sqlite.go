package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

const (
	kindInt    = "int"
	kindString = "string"
)

// SQLiteStorage persists the default bundle set in SQLite so it survives
// restarts. Use ":memory:" for a throwaway database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database at path and migrates the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStorage{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bundles (
		position INTEGER PRIMARY KEY,
		quantity INTEGER NOT NULL CHECK (quantity > 0)
	);

	CREATE TABLE IF NOT EXISTS bundle_items (
		bundle_position INTEGER NOT NULL REFERENCES bundles(position) ON DELETE CASCADE,
		item_order INTEGER NOT NULL,
		item_kind TEXT NOT NULL CHECK (item_kind IN ('int', 'string')),
		item_value TEXT NOT NULL,
		PRIMARY KEY (bundle_position, item_order)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetBundles loads the stored set in its original order.
func (s *SQLiteStorage) GetBundles(ctx context.Context) (allocator.BundleSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.position, b.quantity, i.item_kind, i.item_value
		FROM bundles b
		JOIN bundle_items i ON i.bundle_position = b.position
		ORDER BY b.position, i.item_order`)
	if err != nil {
		return allocator.BundleSet{}, fmt.Errorf("query bundles: %w", err)
	}
	defer rows.Close()

	var specs []allocator.BundleSpec
	last := -1
	for rows.Next() {
		var (
			position, quantity int
			kind, value        string
		)
		if err := rows.Scan(&position, &quantity, &kind, &value); err != nil {
			return allocator.BundleSet{}, fmt.Errorf("scan bundle row: %w", err)
		}
		id, err := decodeID(kind, value)
		if err != nil {
			return allocator.BundleSet{}, err
		}
		if position != last {
			specs = append(specs, allocator.BundleSpec{Quantity: quantity})
			last = position
		}
		spec := &specs[len(specs)-1]
		spec.Items = append(spec.Items, id)
	}
	if err := rows.Err(); err != nil {
		return allocator.BundleSet{}, fmt.Errorf("iterate bundles: %w", err)
	}

	if len(specs) == 0 {
		return allocator.BundleSet{}, ErrNoBundles
	}
	set, err := allocator.BuildBundleSet(specs)
	if err != nil {
		return allocator.BundleSet{}, fmt.Errorf("stored bundles are invalid: %w", err)
	}
	return set, nil
}

// SetBundles replaces the stored set atomically.
func (s *SQLiteStorage) SetBundles(ctx context.Context, set allocator.BundleSet) error {
	if err := validateBundles(set); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundles`); err != nil {
		return fmt.Errorf("clear bundles: %w", err)
	}
	for pos, spec := range set.Specs() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bundles (position, quantity) VALUES (?, ?)`, pos, spec.Quantity); err != nil {
			return fmt.Errorf("insert bundle %d: %w", pos, err)
		}
		for order, id := range spec.Items {
			kind, value := encodeID(id)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bundle_items (bundle_position, item_order, item_kind, item_value) VALUES (?, ?, ?, ?)`,
				pos, order, kind, value); err != nil {
				return fmt.Errorf("insert bundle %d item %d: %w", pos, order, err)
			}
		}
	}
	return tx.Commit()
}

// sqliteDSN appends the connection pragmas, keeping any query the caller
// already put on path.
func sqliteDSN(path string) string {
	const pragmas = "_foreign_keys=on&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

func encodeID(id allocator.ItemID) (string, string) {
	if id.IsInt() {
		return kindInt, id.String()
	}
	return kindString, id.String()
}

func decodeID(kind, value string) (allocator.ItemID, error) {
	switch kind {
	case kindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return allocator.ItemID{}, fmt.Errorf("decode stored item id %q: %w", value, err)
		}
		return allocator.IntID(n), nil
	case kindString:
		return allocator.StringID(value), nil
	default:
		return allocator.ItemID{}, fmt.Errorf("unknown stored item id kind %q", kind)
	}
}
