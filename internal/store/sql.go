package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLBackend stores documents in a single neutral-SQL table, usable with
// both the sqlite and pgx drivers.
type SQLBackend struct {
	db       *sql.DB
	upsert   string
	selByKey string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc        TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, key)
)`

// OpenSQL opens a document backend. driver is "sqlite" or "pgx".
// For sqlite the schema is created on open; postgres schemas are managed
// by `replyline migrate`.
func OpenSQL(driver, dsn string) (*SQLBackend, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	b := &SQLBackend{db: db}
	switch driver {
	case "pgx":
		b.selByKey = `SELECT doc FROM documents WHERE collection = $1 AND key = $2`
		b.upsert = `INSERT INTO documents (collection, key, doc, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection, key) DO UPDATE SET doc = $3, updated_at = $4`
	case "sqlite":
		b.selByKey = `SELECT doc FROM documents WHERE collection = ? AND key = ?`
		b.upsert = `INSERT INTO documents (collection, key, doc, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	return b, nil
}

func (b *SQLBackend) Get(ctx context.Context, collection, key string) (Record, bool, error) {
	var doc string
	err := b.db.QueryRowContext(ctx, b.selByKey, collection, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return rec, true, nil
}

func (b *SQLBackend) Put(ctx context.Context, collection, key string, rec Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if _, err := b.db.ExecContext(ctx, b.upsert, collection, key, string(doc), time.Now().UTC()); err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Append is read-modify-write; the facade serializes appends per key, so no
// row lock is taken here.
func (b *SQLBackend) Append(ctx context.Context, collection, key, field string, value any) error {
	rec, found, err := b.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if !found {
		rec = Record{}
	}

	items, _ := rec[field].([]any)
	rec[field] = append(items, value)
	rec["updatedAt"] = time.Now().UTC()

	return b.Put(ctx, collection, key, rec)
}

func (b *SQLBackend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *SQLBackend) Close() error { return b.db.Close() }
