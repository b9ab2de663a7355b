package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldError reports a payload field that has no whitelisted column
type FieldError struct {
	Table string
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q is not writable on table %s", e.Field, e.Table)
}

// SQLBuilder translates JSON payload maps into Postgres statements. Only
// whitelisted fields are accepted so that replayed payloads can never
// address arbitrary columns.
type SQLBuilder struct {
	// table -> payload field -> column
	columns map[string]map[string]string
}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{columns: make(map[string]map[string]string)}
}

// Allow whitelists the payload fields of a table and their column names
func (b *SQLBuilder) Allow(table string, fields map[string]string) *SQLBuilder {
	cols := make(map[string]string, len(fields))
	for field, col := range fields {
		cols[field] = col
	}
	b.columns[table] = cols
	return b
}

func (b *SQLBuilder) column(table, field string) (string, error) {
	cols, ok := b.columns[table]
	if !ok {
		return "", fmt.Errorf("table %s is not mapped", table)
	}
	col, ok := cols[field]
	if !ok {
		return "", &FieldError{Table: table, Field: field}
	}
	return col, nil
}

// BuildInsert generates an INSERT statement with positional placeholders
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}

	var columns []string
	var placeholders []string
	var args []any

	// Sort keys for deterministic SQL generation.
	for i, k := range sortedKeys(data, "") {
		col, err := b.column(tableName, k)
		if err != nil {
			return "", nil, err
		}
		columns = append(columns, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, args, nil
}

// BuildUpdate generates an UPDATE statement based on a primary key. A
// payload field naming the primary key is ignored.
func (b *SQLBuilder) BuildUpdate(tableName string, pkColumn string, pkValue any, data map[string]any) (string, []any, error) {
	keys := sortedKeys(data, pkColumn)
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("no data provided for update on table %s", tableName)
	}

	var setClauses []string
	var args []any

	for i, k := range keys {
		col, err := b.column(tableName, k)
		if err != nil {
			return "", nil, err
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		tableName,
		strings.Join(setClauses, ", "),
		pkColumn,
		len(args)+1,
	)
	args = append(args, pkValue)

	return query, args, nil
}

func sortedKeys(data map[string]any, skip string) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if skip != "" && strings.EqualFold(k, skip) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue turns ISO8601 strings coming from JSON into time values so
// they bind to timestamp columns
func formatValue(v any) any {
	switch val := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.DateOnly, val); err == nil {
			return t
		}
		return val
	default:
		return val
	}
}
