package storage

import (
	"context"
	"database/sql"
	"errors"
	"io"
)

// PostgresStore keeps blobs in the stored_files table created by the
// embedded migrations in internal/db.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore uses an already opened and migrated pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := readBlob(body, size)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO stored_files (file_key, content, size_bytes)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_key) DO UPDATE
		SET content = EXCLUDED.content,
		    size_bytes = EXCLUDED.size_bytes,
		    updated_at = now()
	`, key, data, size)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Blob, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT content FROM stored_files WHERE file_key = $1`,
		key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &ReadError{Key: key, Err: err}
	}
	return bytesBlob(key, data), nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
