package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
)

// fileRow is the stored_files row as seen by bun.
type fileRow struct {
	bun.BaseModel `bun:"table:stored_files"`

	// varbinary keeps the primary key at 1024 bytes, inside InnoDB's
	// 3072-byte index limit whatever the table charset.
	Key       string    `bun:"file_key,pk,type:varbinary(1024)"`
	Content   []byte    `bun:"content,type:longblob,notnull"`
	SizeBytes int64     `bun:"size_bytes,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// MySQLStore keeps blobs in a MySQL table managed through bun.
// Blob size is bounded by the server's max_allowed_packet.
type MySQLStore struct {
	db *bun.DB
}

// normaliseMySQLDSN validates a go-sql-driver DSN and turns on the
// options the store relies on.
func normaliseMySQLDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("mysql dsn is empty")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return "", errors.New("mysql dsn must name a database")
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// OpenMySQLStore connects, verifies connectivity and creates the
// stored_files table when missing.
func OpenMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	dsn, err := normaliseMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}

	sqldb, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(16)
	sqldb.SetMaxIdleConns(16)
	sqldb.SetConnMaxLifetime(30 * time.Minute)

	db := bun.NewDB(sqldb, mysqldialect.New())

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := createTableQuery(db).Exec(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create stored_files: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

func createTableQuery(db *bun.DB) *bun.CreateTableQuery {
	return db.NewCreateTable().Model((*fileRow)(nil)).IfNotExists()
}

func (m *MySQLStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := readBlob(body, size)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}

	row := &fileRow{Key: key, Content: data, SizeBytes: size, UpdatedAt: time.Now().UTC()}
	_, err = m.db.NewInsert().
		Model(row).
		On("DUPLICATE KEY UPDATE").
		Set("content = VALUES(content)").
		Set("size_bytes = VALUES(size_bytes)").
		Set("updated_at = VALUES(updated_at)").
		Exec(ctx)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

func (m *MySQLStore) Get(ctx context.Context, key string) (*Blob, error) {
	var row fileRow
	err := m.db.NewSelect().
		Model(&row).
		Column("content").
		Where("file_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &ReadError{Key: key, Err: err}
	}
	return bytesBlob(key, row.Content), nil
}

func (m *MySQLStore) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLStore) Close() error {
	return m.db.Close()
}
