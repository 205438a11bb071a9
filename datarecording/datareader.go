package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Selection picks the rows of one table.
type Selection struct {
	// Where is a condition with ? placeholders, such as "Connector = ?".
	Where string
	Args  []any

	// OrderBy lists the sort columns, such as "EndTime, Connector".
	OrderBy string

	// Last keeps only the last n matching rows in OrderBy order. Zero keeps
	// all of them.
	Last int
}

func (s Selection) filter() string {
	if s.Where == "" {
		return ""
	}

	return " WHERE " + s.Where
}

// DataReader reads recorded tables back into Go structs.
type DataReader interface {
	// MapTable tells the reader which struct a table holds. A table must be
	// mapped before it can be queried.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns the mapped tables in name order.
	ListTables() []string

	// Query returns pointers to structs of the mapped type, along with the
	// number of rows matching the selection before Last is applied.
	Query(ctx context.Context, tableName string, sel Selection) (
		results []any,
		matched int,
		err error,
	)

	Close() error
}

type sqliteReader struct {
	db     *sql.DB
	tables map[string]reflect.Type
}

// NewReader opens a recording file read-only.
func NewReader(dbFilename string) (DataReader, error) {
	db, err := sql.Open("sqlite3", "file:"+dbFilename+"?mode=ro")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", dbFilename, err)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB reads from an open database.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		db:     db,
		tables: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.tables[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	sel Selection,
) ([]any, int, error) {
	structType, ok := r.tables[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("table %s is not mapped", tableName)
	}

	var matched int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+sel.filter(), sel.Args...).
		Scan(&matched)
	if err != nil {
		return nil, 0, err
	}

	var q strings.Builder

	q.WriteString("SELECT * FROM " + tableName + sel.filter())

	if sel.OrderBy != "" {
		q.WriteString(" ORDER BY " + sel.OrderBy)
	}

	if sel.Last > 0 && matched > sel.Last {
		fmt.Fprintf(&q, " LIMIT -1 OFFSET %d", matched-sel.Last)
	}

	rows, err := r.db.QueryContext(ctx, q.String(), sel.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := scanRows(rows, structType)
	if err != nil {
		return nil, 0, err
	}

	return results, matched, nil
}

// scanRows fills one struct per row, matching columns to fields by name.
// Columns without a field are skipped.
func scanRows(rows *sql.Rows, structType reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []any

	for rows.Next() {
		entry := reflect.New(structType)
		targets := make([]any, len(columns))

		for i, col := range columns {
			field := entry.Elem().FieldByName(col)
			if field.IsValid() {
				targets[i] = field.Addr().Interface()
				continue
			}

			var discard any
			targets[i] = &discard
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, entry.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}
