package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/emetrics/emetrics-backend/internal/catalog"
)

// Record is one row keyed by column name.
type Record map[string]any

// ListOptions paginates Handle.List.
type ListOptions struct {
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handle is an entity definition bound to exactly one namespace. Every
// statement it issues names the fully qualified table; it never relies on
// search_path. Handles are cheap and must not be cached across requests.
type Handle struct {
	db        sqlx.ExtContext
	def       catalog.EntityDefinition
	namespace string
}

func newHandle(db sqlx.ExtContext, def catalog.EntityDefinition, namespace string) *Handle {
	return &Handle{db: db, def: def, namespace: namespace}
}

// Namespace returns the namespace the handle is bound to.
func (h *Handle) Namespace() string { return h.namespace }

// Entity returns the bound entity definition.
func (h *Handle) Entity() catalog.EntityDefinition { return h.def }

// Table returns the quoted, namespace-qualified table name.
func (h *Handle) Table() string { return qualifiedTable(h.namespace, h.def.Name) }

// WithTx returns a copy of the handle whose statements run inside tx.
func (h *Handle) WithTx(tx *sqlx.Tx) *Handle {
	return newHandle(tx, h.def, h.namespace)
}

func (h *Handle) checkColumns(rec Record) error {
	for col := range rec {
		if !h.def.HasColumn(col) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, h.def.Name, col)
		}
	}
	return nil
}

// pinTenantReference makes the entity's organizations back-reference equal to
// the bound namespace. On insert an absent value is filled in; any other value
// is refused so a row can never be tied to another tenant's lifecycle.
func (h *Handle) pinTenantReference(rec Record, insert bool) (Record, error) {
	col, ok := h.def.TenantReference()
	if !ok || h.namespace == PublicNamespace {
		return rec, nil
	}
	v, present := rec[col]
	if present {
		if s, isString := v.(string); isString && s == h.namespace {
			return rec, nil
		}
		return nil, fmt.Errorf("%w: %s.%s is always %q", ErrReadOnlyColumn, h.def.Name, col, h.namespace)
	}
	if !insert {
		return rec, nil
	}
	rec = cloneRecord(rec)
	rec[col] = h.namespace
	return rec, nil
}

func (h *Handle) isUUIDKey() bool {
	col, _ := h.def.Column(h.def.PrimaryKey())
	return strings.EqualFold(col.Type, "UUID")
}

// key validates id against the primary key type and returns the value to bind.
// UUID keys are passed on in canonical form.
func (h *Handle) key(id any) (any, error) {
	if !h.isUUIDKey() {
		return id, nil
	}
	switch v := id.(type) {
	case uuid.UUID:
		return v.String(), nil
	case string:
		if u, err := uuid.Parse(v); err == nil && !strings.HasPrefix(strings.ToLower(v), "urn:") {
			return u.String(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s must be a UUID", ErrInvalidRecordKey, h.def.Name, h.def.PrimaryKey())
}

// classify tags driver errors a client can cause. Anything else is returned
// unchanged and surfaces as a server failure.
func classify(err error, op string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}
	switch {
	case pqErr.Code == pgUniqueViolation:
		return ErrRecordConflict
	case pqErr.Code == pgForeignKeyViolation && op == "delete":
		return ErrRecordConflict
	case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23":
		return ErrInvalidRecord
	}
	return nil
}

func (h *Handle) wrap(err error, op, prep string) error {
	if sentinel := classify(err, op); sentinel != nil {
		return fmt.Errorf("%w: failed to %s %s %s: %w", sentinel, op, prep, h.Table(), err)
	}
	return fmt.Errorf("failed to %s %s %s: %w", op, prep, h.Table(), err)
}

func sortedKeys(rec Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Insert writes rec and returns the stored row. A missing UUID primary key
// is generated.
func (h *Handle) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := h.checkColumns(rec); err != nil {
		return nil, err
	}
	rec, err := h.pinTenantReference(rec, true)
	if err != nil {
		return nil, err
	}
	pk := h.def.PrimaryKey()
	if id, ok := rec[pk]; !ok {
		if h.isUUIDKey() {
			rec = cloneRecord(rec)
			rec[pk] = uuid.NewString()
		}
	} else {
		key, err := h.key(id)
		if err != nil {
			return nil, err
		}
		rec = cloneRecord(rec)
		rec[pk] = key
	}

	cols := sortedKeys(rec)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		h.Table(), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	out, err := h.scanOne(ctx, query, args...)
	if err != nil {
		return nil, h.wrap(err, "insert", "into")
	}
	return out, nil
}

// Get returns the row whose primary key is id.
func (h *Handle) Get(ctx context.Context, id any) (Record, error) {
	key, err := h.key(id)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", h.Table(), pq.QuoteIdentifier(h.def.PrimaryKey()))
	out, err := h.scanOne(ctx, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, h.wrap(err, "get", "from")
	}
	return out, nil
}

// List returns a page of rows ordered by primary key.
func (h *Handle) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset := max(opts.Offset, 0)

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		h.Table(), pq.QuoteIdentifier(h.def.PrimaryKey()))

	rows, err := h.db.QueryxContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", h.Table(), err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec := Record{}
		if err := rows.MapScan(rec); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", h.Table(), err)
		}
		out = append(out, normalizeRecord(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", h.Table(), err)
	}
	return out, nil
}

// Count returns the number of rows.
func (h *Handle) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := sqlx.GetContext(ctx, h.db, &n, "SELECT COUNT(*) FROM "+h.Table()); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", h.Table(), err)
	}
	return n, nil
}

// Update applies rec to the row whose primary key is id and returns the
// stored row. updated_at is bumped when the entity has one.
func (h *Handle) Update(ctx context.Context, id any, rec Record) (Record, error) {
	if err := h.checkColumns(rec); err != nil {
		return nil, err
	}
	pk := h.def.PrimaryKey()
	if _, ok := rec[pk]; ok {
		return nil, fmt.Errorf("%w: primary key %s.%s cannot be updated", ErrUnknownColumn, h.def.Name, pk)
	}
	if _, err := h.pinTenantReference(rec, false); err != nil {
		return nil, err
	}
	key, err := h.key(id)
	if err != nil {
		return nil, err
	}

	cols := sortedKeys(rec)
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1))
		args = append(args, rec[c])
	}
	if _, explicit := rec["updated_at"]; !explicit && h.def.HasColumn("updated_at") {
		sets = append(sets, pq.QuoteIdentifier("updated_at")+" = NOW()")
	}
	if len(sets) == 0 {
		return h.Get(ctx, key)
	}
	args = append(args, key)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		h.Table(), strings.Join(sets, ", "), pq.QuoteIdentifier(pk), len(args))

	out, err := h.scanOne(ctx, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, h.wrap(err, "update", "row in")
	}
	return out, nil
}

// Delete removes the row whose primary key is id.
func (h *Handle) Delete(ctx context.Context, id any) error {
	key, err := h.key(id)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", h.Table(), pq.QuoteIdentifier(h.def.PrimaryKey()))
	res, err := h.db.ExecContext(ctx, query, key)
	if err != nil {
		return h.wrap(err, "delete", "from")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", h.Table(), err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (h *Handle) scanOne(ctx context.Context, query string, args ...any) (Record, error) {
	rec := Record{}
	if err := h.db.QueryRowxContext(ctx, query, args...).MapScan(rec); err != nil {
		return nil, err
	}
	return normalizeRecord(rec), nil
}

// normalizeRecord turns driver []byte values (uuid, numeric) into strings so
// records encode as JSON text rather than base64.
func normalizeRecord(rec Record) Record {
	for k, v := range rec {
		if b, ok := v.([]byte); ok {
			rec[k] = string(b)
		}
	}
	return rec
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	return out
}
