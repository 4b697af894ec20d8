package restore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/erp-backup/backup-service/internal/snapshot"
)

const (
	// maxParams is the Postgres bind parameter limit per statement.
	maxParams    = 65535
	maxBatchRows = 500
)

// tablePlan holds the rows of one table prepared for binding.
type tablePlan struct {
	table   *snapshot.Table
	batches []*batch
	ids     []string
}

// batch is a run of rows sharing the same column list.
type batch struct {
	columns []string
	values  [][]interface{}
}

// buildPlan prepares the tables listed in schema_info in apply order. Rows without a
// company_id get target injected.
func buildPlan(reg *snapshot.Registry, snap *snapshot.Snapshot, target uuid.UUID) ([]*tablePlan, error) {
	order := reg.Sort(snap.SchemaInfo.Tables)
	plans := make([]*tablePlan, 0, len(order))

	for _, name := range order {
		spec, _ := reg.Table(name)
		p := &tablePlan{table: spec}

		var cur *batch
		var sig string
		for i, row := range snap.Data[name] {
			cols := rowColumns(row)
			if s := strings.Join(cols, ","); cur == nil || s != sig || len(cur.values) >= batchLimit(len(cols)) {
				cur = &batch{columns: cols}
				p.batches = append(p.batches, cur)
				sig = s
			}

			vals := make([]interface{}, len(cols))
			for j, col := range cols {
				if _, ok := spec.Column(col); !ok {
					return nil, fmt.Errorf("%s row %d: unknown column %s", name, i+1, col)
				}
				raw := row[col]
				if col == snapshot.CompanyColumn && raw == nil {
					raw = target.String()
				}
				v, err := bindValue(raw)
				if err != nil {
					return nil, fmt.Errorf("%s row %d column %s: %w", name, i+1, col, err)
				}
				vals[j] = v
			}
			cur.values = append(cur.values, vals)

			pk, _ := row[spec.PrimaryKey].(string)
			p.ids = append(p.ids, pk)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// externalRef holds the ids a snapshot references in a table it does not carry.
type externalRef struct {
	table *snapshot.Table
	ids   []string
}

// externalRefs collects foreign key values pointing at tables outside the snapshot,
// one entry per referenced table in apply order.
func externalRefs(reg *snapshot.Registry, snap *snapshot.Snapshot) []externalRef {
	carried := make(map[string]bool, len(snap.SchemaInfo.Tables))
	for _, name := range snap.SchemaInfo.Tables {
		carried[name] = true
	}

	byTable := make(map[string]map[string]bool)
	for _, name := range reg.Sort(snap.SchemaInfo.Tables) {
		spec, _ := reg.Table(name)
		for _, fk := range spec.ForeignKeys() {
			if carried[fk.References] {
				continue
			}
			for _, row := range snap.Data[name] {
				s, ok := row[fk.Name].(string)
				if !ok {
					continue
				}
				id, err := uuid.Parse(s)
				if err != nil {
					continue
				}
				if byTable[fk.References] == nil {
					byTable[fk.References] = make(map[string]bool)
				}
				byTable[fk.References][id.String()] = true
			}
		}
	}

	names := make([]string, 0, len(byTable))
	for name := range byTable {
		names = append(names, name)
	}
	refs := make([]externalRef, 0, len(names))
	for _, name := range reg.Sort(names) {
		spec, _ := reg.Table(name)
		ids := make([]string, 0, len(byTable[name]))
		for id := range byTable[name] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		refs = append(refs, externalRef{table: spec, ids: ids})
	}
	return refs
}

// rowColumns returns the row's keys in name order, always including company_id.
func rowColumns(row snapshot.Row) []string {
	cols := make([]string, 0, len(row)+1)
	hasCompany := false
	for k := range row {
		cols = append(cols, k)
		if k == snapshot.CompanyColumn {
			hasCompany = true
		}
	}
	if !hasCompany {
		cols = append(cols, snapshot.CompanyColumn)
	}
	sort.Strings(cols)
	return cols
}

func batchLimit(columns int) int {
	if n := maxParams / columns; n < maxBatchRows {
		return n
	}
	return maxBatchRows
}

// bindValue converts a decoded JSON value into a driver argument. Numbers keep their
// textual form so numeric columns receive the exact value.
func bindValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, string, bool, float64, int64:
		return val, nil
	case json.Number:
		return val.String(), nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// upsertSQL builds a multi-row upsert. Conflicting rows are only updated when they
// belong to the same company; RETURNING reports whether each row was inserted.
func upsertSQL(t *snapshot.Table, b *batch) string {
	quoted := make([]string, len(b.columns))
	for i, c := range b.columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	pk := pq.QuoteIdentifier(t.PrimaryKey)
	company := pq.QuoteIdentifier(snapshot.CompanyColumn)

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s AS t (%s) VALUES ", pq.QuoteIdentifier(t.Name), strings.Join(quoted, ", "))

	n := 1
	for i := range b.values {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range b.columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}

	sets := make([]string, 0, len(quoted))
	for i, c := range b.columns {
		if c == t.PrimaryKey {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
	}
	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s WHERE t.%s = EXCLUDED.%s RETURNING (xmax = 0) AS inserted",
		pk, strings.Join(sets, ", "), company, company)
	return sb.String()
}

func (b *batch) args() []interface{} {
	out := make([]interface{}, 0, len(b.values)*len(b.columns))
	for _, v := range b.values {
		out = append(out, v...)
	}
	return out
}

// existingSQL selects the owners of the given primary keys.
func existingSQL(t *snapshot.Table) string {
	return fmt.Sprintf("SELECT %s::text AS id, %s::text AS company_id FROM %s WHERE %s = ANY($1::uuid[])",
		pq.QuoteIdentifier(t.PrimaryKey), pq.QuoteIdentifier(snapshot.CompanyColumn),
		pq.QuoteIdentifier(t.Name), pq.QuoteIdentifier(t.PrimaryKey))
}
