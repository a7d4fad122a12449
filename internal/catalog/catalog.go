// Package catalog holds the fixed set of entity definitions that every tenant
// namespace is built from. Definitions are plain values, validated once when a
// Catalog is constructed and never modified afterwards, so a Catalog may be
// shared across goroutines without locking.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/emetrics/emetrics-backend/pkg/checksum"
)

// Scope says where an entity is materialized.
type Scope int

const (
	// ScopeGlobal entities exist once, in the public schema.
	ScopeGlobal Scope = iota
	// ScopeTenant entities are replicated into every tenant namespace.
	ScopeTenant
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeTenant:
		return "tenant"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Referential actions accepted in ForeignKey.OnDelete.
const (
	OnDeleteCascade  = "CASCADE"
	OnDeleteSetNull  = "SET NULL"
	OnDeleteRestrict = "RESTRICT"
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Column describes one column of an entity.
type Column struct {
	Name       string
	Type       string // PostgreSQL type, e.g. "UUID", "VARCHAR(255)", "TIMESTAMPTZ"
	Nullable   bool
	Default    string // SQL expression, rendered verbatim
	PrimaryKey bool
	Unique     bool
	Sensitive  bool // never returned through the records API
}

// Index describes a secondary index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// ForeignKey describes a reference from Column to RefEntity.RefColumn. When
// the referenced entity is global the reference crosses into the public schema.
type ForeignKey struct {
	Column    string
	RefEntity string
	RefColumn string
	OnDelete  string
}

// EntityDefinition is the tenant-agnostic description of one table.
type EntityDefinition struct {
	Name        string
	Scope       Scope
	Description string
	Columns     []Column
	Indexes     []Index
	ForeignKeys []ForeignKey
}

// Column returns the named column.
func (d EntityDefinition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the entity defines the named column.
func (d EntityDefinition) HasColumn(name string) bool {
	_, ok := d.Column(name)
	return ok
}

// PrimaryKey returns the name of the primary key column, or "" if none.
func (d EntityDefinition) PrimaryKey() string {
	for _, c := range d.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}

// ColumnNames returns the column names in definition order.
func (d EntityDefinition) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// SensitiveColumns returns the names of columns flagged Sensitive.
func (d EntityDefinition) SensitiveColumns() []string {
	var names []string
	for _, c := range d.Columns {
		if c.Sensitive {
			names = append(names, c.Name)
		}
	}
	return names
}

// ForeignKeyFor returns the foreign key declared on column, if any.
func (d EntityDefinition) ForeignKeyFor(column string) (ForeignKey, bool) {
	for _, fk := range d.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// TenantReference returns the column through which a tenant entity points
// back at its row in the global organizations entity.
func (d EntityDefinition) TenantReference() (string, bool) {
	if d.Scope != ScopeTenant {
		return "", false
	}
	for _, fk := range d.ForeignKeys {
		if fk.RefEntity == EntityOrganizations {
			return fk.Column, true
		}
	}
	return "", false
}

// IndexName returns the index's explicit name or the derived idx_<entity>_<cols>.
func (d EntityDefinition) IndexName(idx Index) string {
	if idx.Name != "" {
		return idx.Name
	}
	name := "idx_" + d.Name + "_" + strings.Join(idx.Columns, "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func (d EntityDefinition) clone() EntityDefinition {
	d.Columns = slices.Clone(d.Columns)
	d.ForeignKeys = slices.Clone(d.ForeignKeys)
	indexes := make([]Index, len(d.Indexes))
	for i, idx := range d.Indexes {
		idx.Columns = slices.Clone(idx.Columns)
		indexes[i] = idx
	}
	d.Indexes = indexes
	return d
}

// Catalog is an ordered, validated set of entity definitions. Order is
// dependency order: every entity appears after the entities it references.
type Catalog struct {
	entities    []EntityDefinition
	byName      map[string]int
	fingerprint string
}

// New validates defs and returns a catalog holding private copies of them.
func New(defs ...EntityDefinition) (*Catalog, error) {
	c := &Catalog{
		entities: make([]EntityDefinition, 0, len(defs)),
		byName:   make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		c.byName[d.Name] = len(c.entities)
		c.entities = append(c.entities, d.clone())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.fingerprint = checksum.String(c.render())
	return c, nil
}

// MustNew is New for package-level catalogs; it panics on an invalid definition.
func MustNew(defs ...EntityDefinition) *Catalog {
	c, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// WithTenantEntities returns a new catalog with defs appended as tenant
// entities. The receiver is unchanged. This is the only supported way to
// extend the schema; the synchronizer picks the new entities up for every
// existing tenant on its next pass.
func (c *Catalog) WithTenantEntities(defs ...EntityDefinition) (*Catalog, error) {
	all := make([]EntityDefinition, 0, len(c.entities)+len(defs))
	all = append(all, c.entities...)
	for _, d := range defs {
		d.Scope = ScopeTenant
		all = append(all, d)
	}
	return New(all...)
}

// Globals returns the global entities in catalog order.
func (c *Catalog) Globals() []EntityDefinition {
	return c.byScope(ScopeGlobal)
}

// Tenants returns the tenant entities in catalog order.
func (c *Catalog) Tenants() []EntityDefinition {
	return c.byScope(ScopeTenant)
}

func (c *Catalog) byScope(s Scope) []EntityDefinition {
	var out []EntityDefinition
	for _, d := range c.entities {
		if d.Scope == s {
			out = append(out, d.clone())
		}
	}
	return out
}

// Lookup returns the named entity definition.
func (c *Catalog) Lookup(name string) (EntityDefinition, bool) {
	i, ok := c.byName[name]
	if !ok {
		return EntityDefinition{}, false
	}
	return c.entities[i].clone(), true
}

// Names returns all entity names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.entities))
	for i, d := range c.entities {
		names[i] = d.Name
	}
	return names
}

// Fingerprint returns the SHA-256 digest of the catalog's structure: entity
// order, columns, indexes and references. Descriptions and the Sensitive flag
// do not affect it, since they do not change the database.
func (c *Catalog) Fingerprint() string {
	return c.fingerprint
}

func (c *Catalog) render() string {
	var b strings.Builder
	for _, d := range c.entities {
		fmt.Fprintf(&b, "entity %s %s\n", d.Name, d.Scope)
		for _, col := range d.Columns {
			fmt.Fprintf(&b, "  column %s %s null=%t default=%q pk=%t unique=%t\n",
				col.Name, col.Type, col.Nullable, col.Default, col.PrimaryKey, col.Unique)
		}
		for _, idx := range d.Indexes {
			fmt.Fprintf(&b, "  index %s (%s) unique=%t\n", d.IndexName(idx), strings.Join(idx.Columns, ","), idx.Unique)
		}
		for _, fk := range d.ForeignKeys {
			fmt.Fprintf(&b, "  reference %s -> %s.%s on delete %q\n", fk.Column, fk.RefEntity, fk.RefColumn, fk.OnDelete)
		}
	}
	return b.String()
}

// Validate checks the structural rules every catalog must satisfy and
// returns all violations joined.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]int, len(c.entities))

	for pos, d := range c.entities {
		if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("entity %q: duplicate name", d.Name))
			continue
		}
		seen[d.Name] = pos

		if !identifierPattern.MatchString(d.Name) {
			errs = append(errs, fmt.Errorf("entity %q: name must be lowercase snake_case", d.Name))
		}
		if d.Scope != ScopeGlobal && d.Scope != ScopeTenant {
			errs = append(errs, fmt.Errorf("entity %q: unknown scope %v", d.Name, d.Scope))
		}
		errs = append(errs, validateColumns(d)...)
		errs = append(errs, validateIndexes(d)...)

		for _, fk := range d.ForeignKeys {
			if !d.HasColumn(fk.Column) {
				errs = append(errs, fmt.Errorf("entity %q: foreign key on unknown column %q", d.Name, fk.Column))
			}
			switch fk.OnDelete {
			case "", OnDeleteCascade, OnDeleteSetNull, OnDeleteRestrict:
			default:
				errs = append(errs, fmt.Errorf("entity %q: unsupported on-delete action %q", d.Name, fk.OnDelete))
			}
			refPos, ok := seen[fk.RefEntity]
			if !ok {
				errs = append(errs, fmt.Errorf("entity %q: references %q which is not defined before it", d.Name, fk.RefEntity))
				continue
			}
			ref := c.entities[refPos]
			if d.Scope == ScopeGlobal && ref.Scope == ScopeTenant {
				errs = append(errs, fmt.Errorf("entity %q: global entity cannot reference tenant entity %q", d.Name, ref.Name))
			}
			if !ref.HasColumn(fk.RefColumn) {
				errs = append(errs, fmt.Errorf("entity %q: references unknown column %s.%s", d.Name, ref.Name, fk.RefColumn))
			}
		}
	}

	return errors.Join(errs...)
}

func validateColumns(d EntityDefinition) []error {
	var errs []error
	if len(d.Columns) == 0 {
		return []error{fmt.Errorf("entity %q: no columns", d.Name)}
	}
	pk := 0
	names := make(map[string]bool, len(d.Columns))
	for _, col := range d.Columns {
		if !identifierPattern.MatchString(col.Name) {
			errs = append(errs, fmt.Errorf("entity %q: column %q must be lowercase snake_case", d.Name, col.Name))
		}
		if names[col.Name] {
			errs = append(errs, fmt.Errorf("entity %q: duplicate column %q", d.Name, col.Name))
		}
		names[col.Name] = true
		if strings.TrimSpace(col.Type) == "" {
			errs = append(errs, fmt.Errorf("entity %q: column %q has no type", d.Name, col.Name))
		}
		if col.PrimaryKey {
			pk++
		}
	}
	if pk != 1 {
		errs = append(errs, fmt.Errorf("entity %q: expected exactly one primary key column, found %d", d.Name, pk))
	}
	return errs
}

func validateIndexes(d EntityDefinition) []error {
	var errs []error
	for _, idx := range d.Indexes {
		if len(idx.Columns) == 0 {
			errs = append(errs, fmt.Errorf("entity %q: index with no columns", d.Name))
			continue
		}
		for _, col := range idx.Columns {
			if !d.HasColumn(col) {
				errs = append(errs, fmt.Errorf("entity %q: index on unknown column %q", d.Name, col))
			}
		}
		if idx.Name != "" && !identifierPattern.MatchString(idx.Name) {
			errs = append(errs, fmt.Errorf("entity %q: index name %q must be lowercase snake_case", d.Name, idx.Name))
		}
	}
	return errs
}
