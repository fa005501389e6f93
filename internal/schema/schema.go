// Package schema holds the Schema Cache (spec.md C2): a point-in-time
// snapshot of a database's catalog, rendered into deterministic prompt text
// for the language-model client.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column mirrors models/schema.py's ColumnInfo.
type Column struct {
	Name         string
	DataType     string
	Nullable     bool
	IsPrimaryKey bool
	IsUnique     bool
	ForeignKey   *ForeignKeyRef
	EnumType     string // non-empty when DataType references a custom enum
}

type ForeignKeyRef struct {
	Table  string
	Column string
}

// IndexType mirrors models/schema.py's IndexType enum.
type IndexType string

const (
	IndexBtree IndexType = "btree"
	IndexHash  IndexType = "hash"
	IndexGin   IndexType = "gin"
	IndexGist  IndexType = "gist"
	IndexOther IndexType = "other"
)

type Index struct {
	Name    string
	Columns []string
	Unique  bool
	Type    IndexType
}

// Table mirrors models/schema.py's TableInfo.
type Table struct {
	Schema   string
	Name     string
	Columns  []Column
	Indexes  []Index
	RowCount int64 // estimated, from pg_class.reltuples
}

func (t Table) FullName() string { return t.Schema + "." + t.Name }

// View mirrors models/schema.py's ViewInfo.
type View struct {
	Schema     string
	Name       string
	Columns    []Column
	Definition string
}

func (v View) FullName() string { return v.Schema + "." + v.Name }

// EnumType mirrors models/schema.py's EnumTypeInfo.
type EnumType struct {
	Schema string
	Name   string
	Values []string
}

// Snapshot mirrors models/schema.py's DatabaseSchema: one consistent read of
// a database's catalog, held immutable once built.
type Snapshot struct {
	Database string
	Tables   []Table
	Views    []View
	Enums    []EnumType
	LoadedAt time.Time
}

func (s Snapshot) TablesCount() int { return len(s.Tables) }
func (s Snapshot) ViewsCount() int  { return len(s.Views) }

func (s Snapshot) GetTable(fullName string) (Table, bool) {
	for _, t := range s.Tables {
		if t.FullName() == fullName || t.Name == fullName {
			return t, true
		}
	}
	return Table{}, false
}

func (s Snapshot) GetView(fullName string) (View, bool) {
	for _, v := range s.Views {
		if v.FullName() == fullName || v.Name == fullName {
			return v, true
		}
	}
	return View{}, false
}

// ToPromptText renders the snapshot deterministically for the LM system
// prompt, matching DatabaseSchema.to_prompt_text(): tables sorted by full
// name, each column annotated with PRIMARY KEY / NOT NULL / UNIQUE / FK /
// ENUM tags, followed by indexes, then views, then custom types.
func (s Snapshot) ToPromptText() string {
	var b strings.Builder

	tables := append([]Table(nil), s.Tables...)
	sort.Slice(tables, func(i, j int) bool { return tables[i].FullName() < tables[j].FullName() })

	if len(tables) > 0 {
		b.WriteString("Tables:\n")
		for _, t := range tables {
			fmt.Fprintf(&b, "- %s\n", t.FullName())
			for _, c := range t.Columns {
				b.WriteString("    " + columnLine(c) + "\n")
			}
			if len(t.Indexes) > 0 {
				b.WriteString("  Indexes:\n")
				idx := append([]Index(nil), t.Indexes...)
				sort.Slice(idx, func(i, j int) bool { return idx[i].Name < idx[j].Name })
				for _, ix := range idx {
					unique := ""
					if ix.Unique {
						unique = " UNIQUE"
					}
					fmt.Fprintf(&b, "    %s%s (%s) [%s]\n", ix.Name, unique, strings.Join(ix.Columns, ", "), ix.Type)
				}
			}
		}
	}

	views := append([]View(nil), s.Views...)
	sort.Slice(views, func(i, j int) bool { return views[i].FullName() < views[j].FullName() })
	if len(views) > 0 {
		b.WriteString("Views:\n")
		for _, v := range views {
			fmt.Fprintf(&b, "- %s\n", v.FullName())
			for _, c := range v.Columns {
				b.WriteString("    " + columnLine(c) + "\n")
			}
		}
	}

	enums := append([]EnumType(nil), s.Enums...)
	sort.Slice(enums, func(i, j int) bool { return enums[i].Name < enums[j].Name })
	if len(enums) > 0 {
		b.WriteString("Custom Types:\n")
		for _, e := range enums {
			fmt.Fprintf(&b, "- %s.%s: %s\n", e.Schema, e.Name, strings.Join(e.Values, ", "))
		}
	}

	return b.String()
}

func columnLine(c Column) string {
	var tags []string
	if c.IsPrimaryKey {
		tags = append(tags, "PRIMARY KEY")
	}
	if !c.Nullable {
		tags = append(tags, "NOT NULL")
	}
	if c.IsUnique {
		tags = append(tags, "UNIQUE")
	}
	if c.ForeignKey != nil {
		tags = append(tags, fmt.Sprintf("FK -> %s.%s", c.ForeignKey.Table, c.ForeignKey.Column))
	}
	if c.EnumType != "" {
		tags = append(tags, "ENUM "+c.EnumType)
	}
	line := fmt.Sprintf("%s %s", c.Name, c.DataType)
	if len(tags) > 0 {
		line += " [" + strings.Join(tags, ", ") + "]"
	}
	return line
}
