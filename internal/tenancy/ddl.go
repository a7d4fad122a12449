package tenancy

import (
	"strings"

	"github.com/lib/pq"

	"github.com/emetrics/emetrics-backend/internal/catalog"
)

// Every identifier below comes from a validated catalog or a validated tenant
// identifier and is still quoted with pq.QuoteIdentifier. DDL never has bind
// parameters, so quoting is the only protection.

func qualifiedTable(namespace, entity string) string {
	return pq.QuoteIdentifier(namespace) + "." + pq.QuoteIdentifier(entity)
}

// ddlBuilder renders additive DDL for one catalog. References to global
// entities resolve to the public schema; references to tenant entities
// resolve to the namespace being built.
type ddlBuilder struct {
	catalog *catalog.Catalog
}

func (b ddlBuilder) refNamespace(namespace string, fk catalog.ForeignKey) string {
	if ref, ok := b.catalog.Lookup(fk.RefEntity); ok && ref.Scope == catalog.ScopeGlobal {
		return PublicNamespace
	}
	return namespace
}

// columnClause renders one column. forAdd relaxes NOT NULL for columns without
// a default, because existing rows would otherwise violate it.
func (b ddlBuilder) columnClause(namespace string, def catalog.EntityDefinition, col catalog.Column, forAdd bool) string {
	var sb strings.Builder
	sb.WriteString(pq.QuoteIdentifier(col.Name))
	sb.WriteString(" ")
	sb.WriteString(col.Type)

	switch {
	case col.PrimaryKey && !forAdd:
		sb.WriteString(" PRIMARY KEY")
	case !col.Nullable && (!forAdd || col.Default != ""):
		sb.WriteString(" NOT NULL")
	}
	if col.Unique && !col.PrimaryKey {
		sb.WriteString(" UNIQUE")
	}
	if col.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(col.Default)
	}
	if fk, ok := def.ForeignKeyFor(col.Name); ok {
		sb.WriteString(" REFERENCES ")
		sb.WriteString(qualifiedTable(b.refNamespace(namespace, fk), fk.RefEntity))
		sb.WriteString(" (")
		sb.WriteString(pq.QuoteIdentifier(fk.RefColumn))
		sb.WriteString(")")
		if fk.OnDelete != "" {
			sb.WriteString(" ON DELETE ")
			sb.WriteString(fk.OnDelete)
		}
	}
	return sb.String()
}

func (b ddlBuilder) createTable(namespace string, def catalog.EntityDefinition) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(qualifiedTable(namespace, def.Name))
	sb.WriteString(" (\n")
	for i, col := range def.Columns {
		sb.WriteString("\t")
		sb.WriteString(b.columnClause(namespace, def, col, false))
		if i < len(def.Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(")")
	return sb.String()
}

func (b ddlBuilder) addColumn(namespace string, def catalog.EntityDefinition, col catalog.Column) string {
	return "ALTER TABLE " + qualifiedTable(namespace, def.Name) +
		" ADD COLUMN IF NOT EXISTS " + b.columnClause(namespace, def, col, true)
}

func (b ddlBuilder) createIndex(namespace string, def catalog.EntityDefinition, idx catalog.Index) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = pq.QuoteIdentifier(c)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return "CREATE " + unique + "INDEX IF NOT EXISTS " + pq.QuoteIdentifier(def.IndexName(idx)) +
		" ON " + qualifiedTable(namespace, def.Name) + " (" + strings.Join(cols, ", ") + ")"
}
