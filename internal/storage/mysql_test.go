package storage

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
)

func TestNormaliseMySQLDSN(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "sofd:secret@tcp(localhost:3306)/sofd", false},
		{"with params", "sofd:secret@tcp(db:3306)/sofd?charset=utf8mb4", false},
		{"empty", "", true},
		{"no database", "sofd:secret@tcp(localhost:3306)/", true},
		{"garbage", "not a dsn at all", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normaliseMySQLDSN(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(got, "parseTime=true") {
				t.Errorf("expected parseTime to be enabled in %q", got)
			}
		})
	}
}

func TestOpenMySQLStore_BadDSN(t *testing.T) {
	if _, err := OpenMySQLStore(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

// innodbMaxKeyBytes is the index prefix limit for DYNAMIC rows.
const innodbMaxKeyBytes = 3072

func TestStoredFilesDDL(t *testing.T) {
	// sql.Open does not dial, so the DDL renders without a server.
	sqldb, err := sql.Open("mysql", "sofd:secret@tcp(localhost:3306)/sofd")
	if err != nil {
		t.Fatal(err)
	}
	db := bun.NewDB(sqldb, mysqldialect.New())
	defer db.Close()

	b, err := createTableQuery(db).AppendQuery(db.Formatter(), nil)
	if err != nil {
		t.Fatalf("render ddl: %v", err)
	}
	ddl := string(b)

	if !strings.Contains(ddl, "PRIMARY KEY (`file_key`)") {
		t.Errorf("file_key is not the primary key:\n%s", ddl)
	}
	m := regexp.MustCompile("`file_key` (\\w+)\\((\\d+)\\)").FindStringSubmatch(ddl)
	if m == nil {
		t.Fatalf("no sized file_key column in:\n%s", ddl)
	}
	n, _ := strconv.Atoi(m[2])
	// Character columns cost up to 4 bytes per char under utf8mb4.
	bytesPerUnit := 1
	if strings.HasSuffix(strings.ToLower(m[1]), "char") {
		bytesPerUnit = 4
	}
	if n*bytesPerUnit > innodbMaxKeyBytes {
		t.Errorf("file_key %s(%d) needs %d index bytes, limit %d", m[1], n, n*bytesPerUnit, innodbMaxKeyBytes)
	}
	if !strings.EqualFold(m[1], "varbinary") {
		t.Errorf("file_key type = %s, want varbinary", m[1])
	}
}
