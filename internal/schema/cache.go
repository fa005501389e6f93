package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/you/pgmcp/internal/errs"
)

// Cache holds one Snapshot per database name with a TTL, refreshed through
// a singleflight group so concurrent callers during a miss share one
// catalog read instead of stampeding the connection pool — the Go
// equivalent of the teacher's double-checked-locking SchemaCache.Get, now
// generalized to many databases the way QueryExecutorManager registers one
// SchemaCache-equivalent per database.
type Cache struct {
	mu    sync.RWMutex
	byDB  map[string]entry
	ttl   time.Duration
	group singleflight.Group
}

type entry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{byDB: make(map[string]entry), ttl: ttl}
}

// Get returns a cached snapshot if fresh, otherwise loads one via pool,
// de-duplicating concurrent loads for the same database name.
func (c *Cache) Get(ctx context.Context, database string, pool *pgxpool.Pool) (Snapshot, error) {
	c.mu.RLock()
	e, ok := c.byDB[database]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.snapshot, nil
	}

	v, err, _ := c.group.Do(database, func() (any, error) {
		// re-check: another goroutine may have refreshed while we waited
		// for the singleflight slot.
		c.mu.RLock()
		e, ok := c.byDB[database]
		c.mu.RUnlock()
		if ok && time.Now().Before(e.expiresAt) {
			return e.snapshot, nil
		}
		snap, err := loadSnapshot(ctx, database, pool)
		if err != nil {
			return Snapshot{}, err
		}
		c.mu.Lock()
		c.byDB[database] = entry{snapshot: snap, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Invalidate forces the next Get to reload, used by the refresh_schema
// tool from spec.md §6.
func (c *Cache) Invalidate(database string) {
	c.mu.Lock()
	delete(c.byDB, database)
	c.mu.Unlock()
}

const catalogQuery = `
select
  c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable,
  coalesce(pk.is_pk, false), coalesce(uq.is_unique, false),
  fk.foreign_table, fk.foreign_column,
  case when c.data_type = 'USER-DEFINED' then c.udt_name else '' end as enum_type,
  t.table_type
from information_schema.columns c
join information_schema.tables t
  on t.table_schema = c.table_schema and t.table_name = c.table_name
left join (
  select kcu.table_schema, kcu.table_name, kcu.column_name, true as is_pk
  from information_schema.table_constraints tc
  join information_schema.key_column_usage kcu
    on tc.constraint_name = kcu.constraint_name and tc.table_schema = kcu.table_schema
  where tc.constraint_type = 'PRIMARY KEY'
) pk on pk.table_schema = c.table_schema and pk.table_name = c.table_name and pk.column_name = c.column_name
left join (
  select kcu.table_schema, kcu.table_name, kcu.column_name, true as is_unique
  from information_schema.table_constraints tc
  join information_schema.key_column_usage kcu
    on tc.constraint_name = kcu.constraint_name and tc.table_schema = kcu.table_schema
  where tc.constraint_type = 'UNIQUE'
) uq on uq.table_schema = c.table_schema and uq.table_name = c.table_name and uq.column_name = c.column_name
left join (
  select kcu.table_schema, kcu.table_name, kcu.column_name,
         ccu.table_name as foreign_table, ccu.column_name as foreign_column
  from information_schema.table_constraints tc
  join information_schema.key_column_usage kcu
    on tc.constraint_name = kcu.constraint_name and tc.table_schema = kcu.table_schema
  join information_schema.constraint_column_usage ccu
    on tc.constraint_name = ccu.constraint_name and tc.table_schema = ccu.table_schema
  where tc.constraint_type = 'FOREIGN KEY'
) fk on fk.table_schema = c.table_schema and fk.table_name = c.table_name and fk.column_name = c.column_name
where c.table_schema not in ('pg_catalog', 'information_schema')
order by c.table_schema, c.table_name, c.ordinal_position
`

const indexQuery = `
select schemaname, tablename, indexname, indexdef
from pg_indexes
where schemaname not in ('pg_catalog', 'information_schema')
order by schemaname, tablename, indexname
`

const rowCountQuery = `
select n.nspname, c.relname, c.reltuples::bigint
from pg_class c
join pg_namespace n on n.oid = c.relnamespace
where c.relkind = 'r' and n.nspname not in ('pg_catalog', 'information_schema')
`

const enumQuery = `
select n.nspname, t.typname, e.enumlabel
from pg_type t
join pg_enum e on t.oid = e.enumtypid
join pg_namespace n on n.oid = t.typnamespace
order by n.nspname, t.typname, e.enumsortorder
`

const viewDefQuery = `
select schemaname, viewname, definition
from pg_views
where schemaname not in ('pg_catalog', 'information_schema')
`

// loadSnapshot runs the catalog queries and assembles one Snapshot, the
// generalization of the teacher's single big UNION query into several
// targeted ones — easier to keep correct across PG versions and to unit
// test independently.
func loadSnapshot(ctx context.Context, database string, pool *pgxpool.Pool) (Snapshot, error) {
	tables := map[string]*Table{}
	views := map[string]*View{}

	rows, err := pool.Query(ctx, catalogQuery)
	if err != nil {
		return Snapshot{}, errs.ConnectionErr(database, err)
	}
	err = forEachRow(rows, func(r pgx.Rows) error {
		var schemaName, tableName, colName, dataType, nullable, enumType, tableType string
		var isPK, isUnique bool
		var fkTable, fkColumn *string
		if err := r.Scan(&schemaName, &tableName, &colName, &dataType, &nullable,
			&isPK, &isUnique, &fkTable, &fkColumn, &enumType, &tableType); err != nil {
			return err
		}
		col := Column{
			Name:         colName,
			DataType:     dataType,
			Nullable:     nullable == "YES",
			IsPrimaryKey: isPK,
			IsUnique:     isUnique,
			EnumType:     enumType,
		}
		if fkTable != nil && fkColumn != nil {
			col.ForeignKey = &ForeignKeyRef{Table: *fkTable, Column: *fkColumn}
		}
		key := schemaName + "." + tableName
		if tableType == "VIEW" {
			v := views[key]
			if v == nil {
				v = &View{Schema: schemaName, Name: tableName}
				views[key] = v
			}
			v.Columns = append(v.Columns, col)
		} else {
			t := tables[key]
			if t == nil {
				t = &Table{Schema: schemaName, Name: tableName}
				tables[key] = t
			}
			t.Columns = append(t.Columns, col)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, errs.InternalErr(fmt.Errorf("scan catalog columns: %w", err))
	}

	idxRows, err := pool.Query(ctx, indexQuery)
	if err != nil {
		return Snapshot{}, errs.ConnectionErr(database, err)
	}
	if err := forEachRow(idxRows, func(r pgx.Rows) error {
		var schemaName, tableName, indexName, indexDef string
		if err := r.Scan(&schemaName, &tableName, &indexName, &indexDef); err != nil {
			return err
		}
		t := tables[schemaName+"."+tableName]
		if t == nil {
			return nil
		}
		t.Indexes = append(t.Indexes, parseIndexDef(indexName, indexDef))
		return nil
	}); err != nil {
		return Snapshot{}, errs.InternalErr(fmt.Errorf("scan indexes: %w", err))
	}

	rcRows, err := pool.Query(ctx, rowCountQuery)
	if err != nil {
		return Snapshot{}, errs.ConnectionErr(database, err)
	}
	if err := forEachRow(rcRows, func(r pgx.Rows) error {
		var schemaName, tableName string
		var reltuples int64
		if err := r.Scan(&schemaName, &tableName, &reltuples); err != nil {
			return err
		}
		if t := tables[schemaName+"."+tableName]; t != nil {
			t.RowCount = reltuples
		}
		return nil
	}); err != nil {
		return Snapshot{}, errs.InternalErr(fmt.Errorf("scan row counts: %w", err))
	}

	var enums []EnumType
	enumByKey := map[string]*EnumType{}
	enRows, err := pool.Query(ctx, enumQuery)
	if err != nil {
		return Snapshot{}, errs.ConnectionErr(database, err)
	}
	if err := forEachRow(enRows, func(r pgx.Rows) error {
		var schemaName, typeName, label string
		if err := r.Scan(&schemaName, &typeName, &label); err != nil {
			return err
		}
		key := schemaName + "." + typeName
		e := enumByKey[key]
		if e == nil {
			enums = append(enums, EnumType{Schema: schemaName, Name: typeName})
			e = &enums[len(enums)-1]
			enumByKey[key] = e
		}
		e.Values = append(e.Values, label)
		return nil
	}); err != nil {
		return Snapshot{}, errs.InternalErr(fmt.Errorf("scan enums: %w", err))
	}

	vdRows, err := pool.Query(ctx, viewDefQuery)
	if err != nil {
		return Snapshot{}, errs.ConnectionErr(database, err)
	}
	if err := forEachRow(vdRows, func(r pgx.Rows) error {
		var schemaName, viewName, def string
		if err := r.Scan(&schemaName, &viewName, &def); err != nil {
			return err
		}
		if v := views[schemaName+"."+viewName]; v != nil {
			v.Definition = def
		}
		return nil
	}); err != nil {
		return Snapshot{}, errs.InternalErr(fmt.Errorf("scan view definitions: %w", err))
	}

	snap := Snapshot{Database: database, LoadedAt: time.Now()}
	for _, t := range tables {
		snap.Tables = append(snap.Tables, *t)
	}
	for _, v := range views {
		snap.Views = append(snap.Views, *v)
	}
	snap.Enums = enums
	return snap, nil
}

func forEachRow(rows pgx.Rows, fn func(pgx.Rows) error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// parseIndexDef extracts the column list and access method from a
// pg_indexes.indexdef string like
// "CREATE UNIQUE INDEX foo ON public.bar USING btree (a, b)".
func parseIndexDef(name, def string) Index {
	idx := Index{Name: name, Type: IndexBtree}
	if containsWord(def, "UNIQUE") {
		idx.Unique = true
	}
	for _, t := range []IndexType{IndexHash, IndexGin, IndexGist} {
		if containsWord(def, "USING "+string(t)) || containsWord(def, "using "+string(t)) {
			idx.Type = t
		}
	}
	open, close := -1, -1
	for i, r := range def {
		if r == '(' && open == -1 {
			open = i
		}
		if r == ')' {
			close = i
		}
	}
	if open >= 0 && close > open {
		cols := def[open+1 : close]
		idx.Columns = splitTrim(cols, ',')
	}
	return idx
}

func containsWord(s, word string) bool {
	for i := 0; i+len(word) <= len(s); i++ {
		if s[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

func splitTrim(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			field := s[start:i]
			start = i + 1
			j, k := 0, len(field)
			for j < k && field[j] == ' ' {
				j++
			}
			for k > j && field[k-1] == ' ' {
				k--
			}
			if j < k {
				out = append(out, field[j:k])
			}
		}
	}
	return out
}
