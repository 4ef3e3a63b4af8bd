// Package catalog resolves source-to-target table mappings and discovers
// the target-side column/key metadata each mapped table needs once, at
// startup.
package catalog

import (
	"context"

	"github.com/hashdata/bireme/internal/rowset"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Mapping is the user-supplied source.qualified.name -> target.qualified.name
// table map, plus the Table metadata discovered for every distinct target.
type Mapping struct {
	bySource map[string]string
	tables   map[string]*rowset.Table // keyed by mapped (target) table name
}

// NewMapping builds a Mapping from the raw source->target pairs. It does
// not yet know each target's columns; call Discover to populate that.
func NewMapping(sourceToTarget map[string]string) *Mapping {
	return &Mapping{
		bySource: sourceToTarget,
		tables:   make(map[string]*rowset.Table),
	}
}

// Resolve implements the debezium.TableResolver / envelope.TableResolver
// interfaces.
func (m *Mapping) Resolve(sourceName string) (mappedTable string, table *rowset.Table, ok bool) {
	mappedTable, ok = m.bySource[sourceName]
	if !ok {
		return "", nil, false
	}
	table = m.tables[mappedTable]
	return mappedTable, table, table != nil
}

// Tables returns every distinct mapped (target) table name.
func (m *Mapping) Tables() []string {
	seen := make(map[string]bool, len(m.bySource))
	out := make([]string, 0, len(m.bySource))
	for _, target := range m.bySource {
		if !seen[target] {
			seen[target] = true
			out = append(out, target)
		}
	}
	return out
}

// Table returns the discovered metadata for a mapped table name, if any.
func (m *Mapping) Table(mappedTable string) (*rowset.Table, bool) {
	t, ok := m.tables[mappedTable]
	return t, ok
}

// columnQuery discovers, for one target table, the ordered column list, the
// ordered primary-key column list, and each column's type OID, scale and
// bit-precision. It works against any Postgres-wire catalog (CockroachDB,
// Greenplum, vanilla PostgreSQL).
const columnQuery = `
SELECT
	a.attname,
	a.atttypid,
	COALESCE(i.indisprimary, false) AS is_key,
	CASE WHEN a.atttypid IN (1700) THEN (a.atttypmod - 4) & 65535 ELSE 0 END AS numeric_scale,
	CASE WHEN a.atttypid IN (1560, 1562) AND a.atttypmod > 0 THEN a.atttypmod ELSE 0 END AS bit_precision
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_index i ON i.indrelid = c.oid AND a.attnum = ANY(i.indkey) AND i.indisprimary
WHERE n.nspname || '.' || c.relname = $1
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum;
`

// Discover queries the target for every table named in the mapping and
// populates the Table metadata used by the transformer and loader. It must
// be called once at startup before any pipeline begins processing.
func Discover(ctx context.Context, conn *pgx.Conn, m *Mapping) error {
	for _, mappedTable := range m.Tables() {
		table, err := discoverOne(ctx, conn, mappedTable)
		if err != nil {
			return errors.Wrapf(err, "discovering metadata for %q", mappedTable)
		}
		m.tables[mappedTable] = table
	}
	return nil
}

func discoverOne(ctx context.Context, conn *pgx.Conn, mappedTable string) (*rowset.Table, error) {
	rows, err := conn.Query(ctx, columnQuery, mappedTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := &rowset.Table{Name: mappedTable}
	for rows.Next() {
		var (
			name     string
			oid      uint32
			isKey    bool
			scale    int
			bitWidth int
		)
		if err := rows.Scan(&name, &oid, &isKey, &scale, &bitWidth); err != nil {
			return nil, err
		}
		table.ColumnName = append(table.ColumnName, name)
		table.ColumnTypeOID = append(table.ColumnTypeOID, oid)
		table.ColumnScale = append(table.ColumnScale, scale)
		table.ColumnPrecision = append(table.ColumnPrecision, bitWidth)
		if isKey {
			table.KeyNames = append(table.KeyNames, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(table.ColumnName) == 0 {
		return nil, errors.Errorf("table %q not found in target catalog", mappedTable)
	}
	if len(table.KeyNames) == 0 {
		return nil, errors.Errorf("table %q has no primary key", mappedTable)
	}
	return table, nil
}
