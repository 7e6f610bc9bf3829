package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// safeIdentifier is the sole defense against SQL injection via
// caller-controlled field names: every table name, filter key and order-by
// key must match before it is interpolated into a statement.
var safeIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// metadataColumns are the fixed columns of every entity table. Anything else
// in a filter refers to a payload key.
var metadataColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
}

// Record is the generic shape behind every repository. Payload is opaque to
// the store.
type Record struct {
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Filter selects and orders records in Find.
//
// Metadata keys filter on the fixed columns: "id" takes a string (or a slice
// for IN semantics), "created_at"/"updated_at" take strict RFC 3339 strings.
// Payload keys filter by JSON containment on the payload column; a slice
// value matches if any element is contained (OR).
type Filter struct {
	Metadata   map[string]any
	Payload    map[string]any
	OrderBy    string
	Descending bool
	Limit      *int
	Offset     *int
}

// Repository provides CRUD over one entity table of shape
// (id, payload jsonb, created_at, updated_at).
type Repository struct {
	table string
	db    Querier
}

// NewRepository binds a repository to a table. The table name is validated
// once here; Manager.Repository is the usual constructor.
func NewRepository(db Querier, table string) (*Repository, error) {
	if !safeIdentifier.MatchString(table) {
		return nil, newError(CodeInvalidIdentifier, "store.NewRepository", nil, "table", table)
	}
	return &Repository{table: table, db: db}, nil
}

// Table returns the table this repository is bound to.
func (r *Repository) Table() string {
	return r.table
}

// Create inserts a new record. Any caller-supplied id or timestamp keys in
// the payload are stripped; the store assigns a fresh id and current
// timestamps.
func (r *Repository) Create(ctx context.Context, payload map[string]any) (Record, error) {
	clean := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "id", "created_at", "updated_at", "createdAt", "updatedAt":
			continue
		}
		clean[k] = v
	}

	body, err := json.Marshal(clean)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now().UTC()
	rec := Record{ID: uuid.New().String(), Payload: clean, CreatedAt: now, UpdatedAt: now}

	sql := fmt.Sprintf(
		"INSERT INTO %s (id, payload, created_at, updated_at) VALUES ($1, $2, $3, $4)",
		r.table,
	)
	if _, err := r.db.Exec(ctx, sql, rec.ID, body, now, now); err != nil {
		return Record{}, fmt.Errorf("failed to insert into %s: %w", r.table, err)
	}

	return rec, nil
}

// Get retrieves a record by id. Returns a CodeEntityNotFound error if the
// record does not exist.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	sql := fmt.Sprintf(
		"SELECT id, payload, created_at, updated_at FROM %s WHERE id = $1",
		r.table,
	)

	rows, err := r.db.Query(ctx, sql, id)
	if err != nil {
		return Record{}, fmt.Errorf("failed to query %s: %w", r.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("failed to read %s: %w", r.table, err)
		}
		return Record{}, newError(CodeEntityNotFound, "store.Get", nil, "table", r.table, "id", id)
	}

	return scanRecord(rows)
}

// Update merges a partial payload onto the existing record (JSON shallow
// merge, not a replace) and bumps updated_at. Returns a CodeEntityNotFound
// error if the record does not exist.
func (r *Repository) Update(ctx context.Context, id string, partial map[string]any) (Record, error) {
	body, err := json.Marshal(partial)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now().UTC()
	sql := fmt.Sprintf(
		"UPDATE %s SET payload = payload || $2::jsonb, updated_at = $3 WHERE id = $1",
		r.table,
	)
	affected, err := r.db.Exec(ctx, sql, id, body, now)
	if err != nil {
		return Record{}, fmt.Errorf("failed to update %s: %w", r.table, err)
	}
	if affected == 0 {
		return Record{}, newError(CodeEntityNotFound, "store.Update", nil, "table", r.table, "id", id)
	}

	return r.Get(ctx, id)
}

// Delete removes a record unconditionally. Deleting a missing record is not
// an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", r.table)
	if _, err := r.db.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", r.table, err)
	}
	return nil
}

// Exists reports whether a record exists. Driver-specific boolean encodings
// (bool, integer, "t"/"f" strings) are normalized.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", r.table)

	var raw any
	if err := r.db.QueryRow(ctx, sql, id).Scan(&raw); err != nil {
		return false, fmt.Errorf("failed to check existence in %s: %w", r.table, err)
	}
	return normalizeBool(raw), nil
}

// Find retrieves records matching the filter. See Filter for semantics.
func (r *Repository) Find(ctx context.Context, filter Filter) ([]Record, error) {
	sql, args, err := r.buildFindQuery(filter)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.table, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.table, err)
	}

	return records, nil
}

// buildFindQuery translates a Filter into SQL and positional args. All
// identifiers are validated before interpolation; all values travel as
// parameters.
func (r *Repository) buildFindQuery(filter Filter) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, key := range sortedKeys(filter.Metadata) {
		if !safeIdentifier.MatchString(key) {
			return "", nil, newError(CodeInvalidIdentifier, "store.Find", nil, "key", key)
		}
		if !metadataColumns[key] {
			return "", nil, newError(CodeInvalidFilter, "store.Find", nil,
				"key", key, "reason", "not a metadata column")
		}

		value, err := normalizeMetadataValue(key, filter.Metadata[key])
		if err != nil {
			return "", nil, err
		}
		switch v := value.(type) {
		case []any:
			clauses = append(clauses, fmt.Sprintf("%s = ANY(%s)", key, next(v)))
		default:
			clauses = append(clauses, fmt.Sprintf("%s = %s", key, next(v)))
		}
	}

	for _, key := range sortedKeys(filter.Payload) {
		if !safeIdentifier.MatchString(key) {
			return "", nil, newError(CodeInvalidIdentifier, "store.Find", nil, "key", key)
		}

		values, isList := asSlice(filter.Payload[key])
		var ors []string
		for _, v := range values {
			probe, err := json.Marshal(map[string]any{key: v})
			if err != nil {
				return "", nil, newError(CodeInvalidFilter, "store.Find", err, "key", key)
			}
			ors = append(ors, fmt.Sprintf("payload @> %s::jsonb", next(probe)))
		}
		if isList && len(ors) > 1 {
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
		} else {
			clauses = append(clauses, ors...)
		}
	}

	sql := fmt.Sprintf("SELECT id, payload, created_at, updated_at FROM %s", r.table)
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}

	if filter.OrderBy != "" {
		if !safeIdentifier.MatchString(filter.OrderBy) {
			return "", nil, newError(CodeInvalidIdentifier, "store.Find", nil, "order_by", filter.OrderBy)
		}
		direction := "ASC"
		if filter.Descending {
			direction = "DESC"
		}
		if metadataColumns[filter.OrderBy] {
			sql += fmt.Sprintf(" ORDER BY %s %s", filter.OrderBy, direction)
		} else {
			// Payload keys are extracted as text for ordering.
			sql += fmt.Sprintf(" ORDER BY payload->>'%s' %s", filter.OrderBy, direction)
		}
	}

	if filter.Limit != nil {
		if *filter.Limit <= 0 {
			return "", nil, newError(CodeInvalidFilter, "store.Find", nil,
				"limit", *filter.Limit, "reason", "limit must be a positive integer")
		}
		sql += fmt.Sprintf(" LIMIT %s", next(*filter.Limit))
	}
	if filter.Offset != nil {
		if *filter.Offset < 0 {
			return "", nil, newError(CodeInvalidFilter, "store.Find", nil,
				"offset", *filter.Offset, "reason", "offset must be a non-negative integer")
		}
		sql += fmt.Sprintf(" OFFSET %s", next(*filter.Offset))
	}

	return sql, args, nil
}

// normalizeMetadataValue validates and converts a metadata filter value.
// Timestamps must be strict RFC 3339 strings; id values must be strings.
// Slices are converted element-wise for IN filtering.
func normalizeMetadataValue(key string, value any) (any, error) {
	convert := func(v any) (any, error) {
		switch key {
		case "id":
			s, ok := v.(string)
			if !ok {
				return nil, newError(CodeInvalidFilter, "store.Find", nil,
					"key", key, "reason", "id filter values must be strings")
			}
			return s, nil
		default:
			switch tv := v.(type) {
			case time.Time:
				return tv, nil
			case string:
				ts, err := time.Parse(time.RFC3339, tv)
				if err != nil {
					return nil, newError(CodeInvalidFilter, "store.Find", err,
						"key", key, "value", tv, "reason", "not a valid RFC 3339 date-time")
				}
				return ts, nil
			default:
				return nil, newError(CodeInvalidFilter, "store.Find", nil,
					"key", key, "reason", "timestamp filter values must be date-time strings")
			}
		}
	}

	if list, ok := asSliceOnly(value); ok {
		out := make([]any, 0, len(list))
		for _, v := range list {
			cv, err := convert(v)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	}
	return convert(value)
}

// asSlice returns the value as a slice, wrapping scalars into a single
// element. The second return reports whether the input was a real slice.
func asSlice(value any) ([]any, bool) {
	if list, ok := asSliceOnly(value); ok {
		return list, true
	}
	return []any{value}, false
}

func asSliceOnly(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// normalizeBool interprets driver-specific boolean encodings.
func normalizeBool(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case string:
		s := strings.ToLower(v)
		return s == "t" || s == "true" || s == "1"
	case []byte:
		s := strings.ToLower(string(v))
		return s == "t" || s == "true" || s == "1"
	default:
		return false
	}
}

// scanRecord reads one (id, payload, created_at, updated_at) row.
func scanRecord(row Row) (Record, error) {
	var (
		rec  Record
		body []byte
	)
	if err := row.Scan(&rec.ID, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("failed to scan record: %w", err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rec.Payload); err != nil {
			return Record{}, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	return rec, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
