package snapshot

import (
	"fmt"
	"sort"
)

// ColumnType is the value shape a column accepts in snapshot rows.
type ColumnType string

const (
	TypeUUID      ColumnType = "uuid"
	TypeText      ColumnType = "text"
	TypeBool      ColumnType = "bool"
	TypeNumeric   ColumnType = "numeric"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

// CompanyColumn is the tenant column every registry table carries.
const CompanyColumn = "company_id"

// Column describes one restorable column.
type Column struct {
	Name       string
	Type       ColumnType
	Required   bool     // NOT NULL without a database default
	References string   // table this column points at, if any
	Enum       []string // allowed values for constrained text columns
}

// Table describes one restorable table.
type Table struct {
	Name       string
	PrimaryKey string
	Columns    []Column

	byName map[string]Column
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// RequiredColumns lists the columns a row must carry, in declaration order.
func (t *Table) RequiredColumns() []string {
	var names []string
	for _, c := range t.Columns {
		if c.Required {
			names = append(names, c.Name)
		}
	}
	return names
}

// ForeignKeys lists the columns that reference another table.
func (t *Table) ForeignKeys() []Column {
	var fks []Column
	for _, c := range t.Columns {
		if c.References != "" {
			fks = append(fks, c)
		}
	}
	return fks
}

// DependsOn lists the other tables this one references. Self references are left out
// because the foreign keys are deferred to commit.
func (t *Table) DependsOn() []string {
	seen := map[string]bool{}
	var deps []string
	for _, c := range t.Columns {
		if c.References == "" || c.References == t.Name || seen[c.References] {
			continue
		}
		seen[c.References] = true
		deps = append(deps, c.References)
	}
	return deps
}

// Registry is the set of tables a snapshot may carry, with their apply order.
type Registry struct {
	tables map[string]*Table
	order  []string
	rank   map[string]int
}

// NewRegistry indexes tables and orders them so every table comes after the tables it
// references. Ties keep registration order. Unknown references and cycles are errors.
func NewRegistry(tables ...*Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]*Table, len(tables)), rank: make(map[string]int, len(tables))}
	position := make(map[string]int, len(tables))

	for i, t := range tables {
		if _, dup := r.tables[t.Name]; dup {
			return nil, fmt.Errorf("table %s registered twice", t.Name)
		}
		if t.PrimaryKey == "" {
			t.PrimaryKey = "id"
		}
		t.byName = make(map[string]Column, len(t.Columns))
		for _, c := range t.Columns {
			t.byName[c.Name] = c
		}
		if _, ok := t.byName[t.PrimaryKey]; !ok {
			return nil, fmt.Errorf("table %s: primary key %s is not a column", t.Name, t.PrimaryKey)
		}
		if _, ok := t.byName[CompanyColumn]; !ok {
			return nil, fmt.Errorf("table %s: missing %s column", t.Name, CompanyColumn)
		}
		r.tables[t.Name] = t
		position[t.Name] = i
	}

	// Kahn's algorithm, always taking the earliest-registered ready table.
	indegree := make(map[string]int, len(tables))
	dependents := make(map[string][]string, len(tables))
	for _, t := range tables {
		for _, dep := range t.DependsOn() {
			if _, ok := r.tables[dep]; !ok {
				return nil, fmt.Errorf("table %s references unknown table %s", t.Name, dep)
			}
			indegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	var ready []string
	for _, t := range tables {
		if indegree[t.Name] == 0 {
			ready = append(ready, t.Name)
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		r.rank[next] = len(r.order)
		r.order = append(r.order, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(r.order) != len(tables) {
		return nil, fmt.Errorf("table references form a cycle")
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for static table sets.
func MustRegistry(tables ...*Table) *Registry {
	r, err := NewRegistry(tables...)
	if err != nil {
		panic(err)
	}
	return r
}

// Table returns a registered table.
func (r *Registry) Table(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Order returns every table in apply order.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Sort returns the registered names among names in apply order. Unknown names are dropped.
func (r *Registry) Sort(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.tables[n]; ok && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.rank[out[i]] < r.rank[out[j]] })
	return out
}
