// Package hostapi holds host functions that command-line and server hosts
// hand to worker scripts through host.Options.Defines.
package hostapi

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"

	"github.com/cryguy/webworker/host"
)

// MemoryPath opens a private in-memory database instead of a file.
const MemoryPath = ":memory:"

// SQLStore is an isolated SQLite database a script reaches as args.sql.
type SQLStore struct {
	DB   *sql.DB
	Path string
}

// Open opens the SQLite file at path, creating it and its directory when
// missing. MemoryPath gives a database that lives as long as the store.
func Open(path string) (*SQLStore, error) {
	if path == MemoryPath {
		db, err := sql.Open("sqlite", MemoryPath)
		if err != nil {
			return nil, fmt.Errorf("opening in-memory database: %w", err)
		}
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		return &SQLStore{DB: db, Path: path}, nil
	}
	if path == "" || strings.ContainsRune(path, 0) {
		return nil, fmt.Errorf("invalid database path %q", path)
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	return &SQLStore{DB: db, Path: path}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// Defines returns the host functions backed by s.
func (s *SQLStore) Defines() map[string]host.Method {
	return map[string]host.Method{"sql": s.call}
}

// call is args.sql(statement, bindings?).
func (s *SQLStore) call(args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("sql: missing statement")
	}
	stmt, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("sql: statement must be a string")
	}
	var bindings []any
	if len(args) > 1 && args[1] != nil {
		list, ok := args[1].([]any)
		if !ok {
			return nil, fmt.Errorf("sql: bindings must be an array")
		}
		bindings = list
	}
	return s.Exec(stmt, bindings)
}

// Exec runs a statement. Queries return their columns and rows; other
// statements return only meta. ATTACH, DETACH and PRAGMAs other than the
// schema introspection ones are refused wherever they appear in the text.
func (s *SQLStore) Exec(stmt string, bindings []any) (map[string]any, error) {
	heads := statementHeads(stmt)
	for _, head := range heads {
		if err := checkStatement(head); err != nil {
			return nil, err
		}
	}

	var first string
	if len(heads) > 0 {
		first = heads[0]
	}
	if strings.HasPrefix(first, "SELECT") || strings.HasPrefix(first, "PRAGMA") ||
		strings.HasPrefix(first, "WITH") || strings.HasPrefix(first, "VALUES") {
		return s.query(stmt, bindings)
	}

	result, err := s.DB.Exec(stmt, bindings...)
	if err != nil {
		return nil, fmt.Errorf("sql: exec error: %w", err)
	}
	changes, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return map[string]any{
		"columns": []any{},
		"rows":    []any{},
		"meta": map[string]any{
			"changes":   changes,
			"lastRowId": lastID,
		},
	}, nil
}

func (s *SQLStore) query(stmt string, bindings []any) (map[string]any, error) {
	rows, err := s.DB.Query(stmt, bindings...)
	if err != nil {
		return nil, fmt.Errorf("sql: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sql: columns error: %w", err)
	}
	out := []any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sql: scan error: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, v := range values {
			row[columns[i]] = column(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql: rows iteration error: %w", err)
	}

	cols := make([]any, len(columns))
	for i, c := range columns {
		cols[i] = c
	}
	return map[string]any{
		"columns": cols,
		"rows":    out,
		"meta":    map[string]any{"rowsRead": int64(len(out))},
	}, nil
}

// column maps a scanned value onto something the codec carries. BLOBs stay
// bytes and arrive in the script as a Uint8Array.
func column(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

var introspectionPragmas = []string{
	"PRAGMA TABLE_INFO", "PRAGMA TABLE_XINFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
	"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST",
}

func checkStatement(head string) error {
	word, _, _ := strings.Cut(head, " ")
	switch word {
	case "ATTACH", "DETACH":
		return fmt.Errorf("sql: %s statements are not allowed", word)
	case "PRAGMA":
		for _, p := range introspectionPragmas {
			if strings.HasPrefix(head, p) {
				return nil
			}
		}
		return fmt.Errorf("sql: %s is not allowed", head)
	}
	return nil
}

// statementHeads splits stmt into its statements and returns each one
// upper-cased with comments dropped and whitespace collapsed. String
// literals and quoted identifiers are kept intact so a ';' inside them does
// not split.
func statementHeads(stmt string) []string {
	var (
		heads []string
		cur   strings.Builder
		space bool
	)
	flush := func() {
		if h := strings.TrimSpace(cur.String()); h != "" {
			heads = append(heads, strings.ToUpper(h))
		}
		cur.Reset()
		space = false
	}
	blank := func() {
		if !space && cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		space = true
	}
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			for i < len(stmt) && stmt[i] != '\n' {
				i++
			}
			blank()
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				i = len(stmt)
			} else {
				i += end + 3
			}
			blank()
		case c == '\'' || c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			j := i + 1
			for j < len(stmt) && stmt[j] != closer {
				j++
			}
			if j >= len(stmt) {
				j = len(stmt) - 1
			}
			cur.WriteString(stmt[i : j+1])
			space = false
			i = j
		case c == ';':
			flush()
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			blank()
		default:
			cur.WriteByte(c)
			space = false
		}
	}
	flush()
	return heads
}
