package backend

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ha1tch/pglite/pkg/errors"
)

// sqliteDSN builds the go-sqlite3 DSN for a worker's database file: WAL
// journaling, a busy timeout so the single-writer-per-file model
// doesn't surface SQLITE_BUSY under the FIFO queue, and foreign keys on.
func sqliteDSN(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON"
}

// openSQLite opens (creating if absent, along with its parent directory)
// the SQLite file for one worker.
// MaxOpenConns is pinned to 1: SQLite prefers a single writer, and the
// whole point of the per-file worker is that nothing but this goroutine
// ever touches the handle.
func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// classFromDecltype parses a column's declared SQLite type: strip to
// the prefix up to the first space or '(', uppercase, and map. This is
// intentionally forgiving and intentionally lossy (dates/times collapse
// to real), kept explicit in a single table rather than inferred from
// value contents.

func classFromDecltype(decltype string) (StorageClass, error) {
	t := strings.ToUpper(strings.TrimSpace(decltype))
	if idx := strings.IndexAny(t, " ("); idx >= 0 {
		t = t[:idx]
	}

	switch t {
	case "INT", "SERIAL":
		return ClassInteger, nil
	case "VARCHAR", "TEXT":
		return ClassText, nil
	case "DATE", "TIME", "TIMESTAMP", "FLOAT":
		return ClassReal, nil
	case "BINARY":
		return ClassBlob, nil
	case "":
		// SQLite permits columns with no declared type at all; treat
		// like any other unrecognised decltype.
		return 0, errors.UnmappableDecltype(decltype).Err()
	default:
		return 0, errors.UnmappableDecltype(decltype).Err()
	}
}

// schemaFromColumnTypes derives a Field list from sql.Rows' column
// metadata, used by both row-producing queries and bare Describe.
func schemaFromColumnTypes(cols []*sql.ColumnType) ([]Field, error) {
	fields := make([]Field, len(cols))
	for i, c := range cols {
		class, err := classFromDecltype(c.DatabaseTypeName())
		if err != nil {
			return nil, err
		}
		fields[i] = Field{Ordinal: i, Name: c.Name(), Class: class}
	}
	return fields, nil
}

// scanRows materializes every row into Records tagged by the schema's
// storage classes. Rows are fully read before returning, no streaming.
func scanRows(rows *sql.Rows, fields []Field) ([]Record, error) {
	var records []Record
	raw := make([]interface{}, len(fields))
	ptrs := make([]interface{}, len(fields))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		values := make([]Value, len(fields))
		for i, f := range fields {
			values[i] = nativeValue(raw[i], f.Class)
		}
		records = append(records, Record{Values: values})
	}
	return records, rows.Err()
}

// nativeValue coerces a database/sql scan result into the worker's
// tagged Value, respecting the column's declared storage class but
// always honoring a genuine NULL regardless of class.
func nativeValue(v interface{}, class StorageClass) Value {
	if v == nil {
		return NullValue
	}
	switch class {
	case ClassInteger:
		switch n := v.(type) {
		case int64:
			return Value{Class: ClassInteger, Int: n}
		case float64:
			return Value{Class: ClassInteger, Int: int64(n)}
		case []byte:
			i, _ := strconv.ParseInt(string(n), 10, 64)
			return Value{Class: ClassInteger, Int: i}
		}
	case ClassReal:
		switch n := v.(type) {
		case float64:
			return Value{Class: ClassReal, Real: n}
		case int64:
			return Value{Class: ClassReal, Real: float64(n)}
		case []byte:
			f, _ := strconv.ParseFloat(string(n), 64)
			return Value{Class: ClassReal, Real: f}
		}
	case ClassBlob:
		switch n := v.(type) {
		case []byte:
			return Value{Class: ClassBlob, Blob: n}
		case string:
			return Value{Class: ClassBlob, Blob: []byte(n)}
		}
	}
	// text, or anything not cleanly coerced above, falls back to its
	// driver-native string form.
	switch n := v.(type) {
	case string:
		return Value{Class: ClassText, Text: n}
	case []byte:
		return Value{Class: ClassText, Text: string(n)}
	case int64:
		return Value{Class: ClassText, Text: strconv.FormatInt(n, 10)}
	case float64:
		return Value{Class: ClassText, Text: strconv.FormatFloat(n, 'g', -1, 64)}
	default:
		return Value{Class: ClassText, Text: ""}
	}
}

// okSchema is the single-column synthetic schema used for non-SELECT
// statements: a single column named OK carrying the affected-row
// count as an integer.
var okSchema = []Field{{Ordinal: 0, Name: "OK", Class: ClassInteger}}

func isSelect(sql string) bool {
	t := strings.TrimSpace(sql)
	return len(t) >= 6 && strings.EqualFold(t[:6], "SELECT")
}

// bindArgs converts backend Parameters into database/sql driver args in
// ordinal order.
func bindArgs(params []Parameter) []interface{} {
	args := make([]interface{}, len(params))
	for i, p := range params {
		switch p.Value.Class {
		case ClassNull:
			args[i] = nil
		case ClassInteger:
			args[i] = p.Value.Int
		case ClassReal:
			args[i] = p.Value.Real
		case ClassText:
			args[i] = p.Value.Text
		case ClassBlob:
			args[i] = p.Value.Blob
		}
	}
	return args
}
