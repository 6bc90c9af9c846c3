// Package schema models declarative schema documents and the normalized
// snapshots that the diff engine compares. A snapshot has the same shape
// whether it was loaded from a document or introspected from a live backend.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Semantic column types. Adapters map these to native types; anything
// outside this set is rejected when DDL is generated.
const (
	TypeString   = "string"
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
)

// KnownType reports whether t is one of the semantic column types.
func KnownType(t string) bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDatetime:
		return true
	}
	return false
}

// Column describes one column of a logical table.
type Column struct {
	Type       string  `yaml:"type"`
	PrimaryKey bool    `yaml:"primary_key,omitempty"`
	Required   bool    `yaml:"required,omitempty"`
	Unique     bool    `yaml:"unique,omitempty"`
	Default    *string `yaml:"default,omitempty"`
	ForeignKey string  `yaml:"foreign_key,omitempty"` // "table.column"
}

// HasDefault reports whether the column carries a default value.
func (c Column) HasDefault() bool { return c.Default != nil }

// Equal compares two descriptors field by field. Nullability and
// uniqueness are compared as effective values: a primary key implies both
// NOT NULL and UNIQUE, and introspection does not always report them
// separately.
func (c Column) Equal(o Column) bool {
	if c.Type != o.Type || c.PrimaryKey != o.PrimaryKey || c.ForeignKey != o.ForeignKey {
		return false
	}
	if (c.Required || c.PrimaryKey) != (o.Required || o.PrimaryKey) {
		return false
	}
	if (c.Unique || c.PrimaryKey) != (o.Unique || o.PrimaryKey) {
		return false
	}
	if (c.Default == nil) != (o.Default == nil) {
		return false
	}
	if c.Default != nil && strings.TrimSpace(*c.Default) != strings.TrimSpace(*o.Default) {
		return false
	}
	return true
}

// FKTarget splits the foreign-key reference into table and column.
func (c Column) FKTarget() (table, column string, ok bool) {
	parts := strings.SplitN(c.ForeignKey, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Table maps column name to descriptor.
type Table map[string]Column

// Snapshot is the normalized shape shared by declared and introspected
// schemas: table name -> column name -> descriptor.
type Snapshot map[string]Table

// Tables returns the snapshot's table names, sorted.
func (s Snapshot) Tables() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metadata is the document header. Type is the only mandatory field.
type Metadata struct {
	Type             string `yaml:"type"`
	Connection       string `yaml:"connection,omitempty"`
	ConnectionEnv    string `yaml:"connection_env,omitempty"`
	Label            string `yaml:"label,omitempty"`
	Migration        bool   `yaml:"migration,omitempty"`
	MigrationVersion string `yaml:"migration_version,omitempty"`
}

// Document is a parsed schema document.
type Document struct {
	Metadata Metadata         `yaml:"metadata"`
	Tables   map[string]Table `yaml:"tables"`

	// Name identifies the schema for env-var resolution and session
	// aliases. Defaults to the document file's base name.
	Name string `yaml:"-"`
}

// Snapshot normalizes the declared tables into the comparable shape.
func (d *Document) Snapshot() Snapshot {
	snap := make(Snapshot, len(d.Tables))
	for name, table := range d.Tables {
		cols := make(Table, len(table))
		for col, def := range table {
			cols[col] = def
		}
		snap[name] = cols
	}
	return snap
}

// Validate checks document invariants. A missing backend type is a hard
// error; unknown column types are reported here as well so callers fail
// before any DDL is generated.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Metadata.Type) == "" {
		return fmt.Errorf("schema %s: metadata field %q is required", d.Name, "type")
	}
	for _, tbl := range sortedTableNames(d.Tables) {
		for col, def := range d.Tables[tbl] {
			if !KnownType(def.Type) {
				return fmt.Errorf("schema %s: table %s column %s: unknown type %q", d.Name, tbl, col, def.Type)
			}
		}
	}
	return nil
}

// Hash returns a stable sha256 over the snapshot contents. Recorded with
// every migration so history rows can be correlated with a schema state.
func (s Snapshot) Hash() string {
	h := sha256.New()
	for _, tbl := range s.Tables() {
		fmt.Fprintf(h, "table:%s\n", tbl)
		cols := s[tbl]
		names := make([]string, 0, len(cols))
		for c := range cols {
			names = append(names, c)
		}
		sort.Strings(names)
		for _, c := range names {
			def := cols[c]
			dflt := ""
			if def.Default != nil {
				dflt = *def.Default
			}
			fmt.Fprintf(h, "col:%s type:%s pk:%v req:%v uniq:%v dflt:%s fk:%s\n",
				c, def.Type, def.PrimaryKey, def.Required, def.Unique, dflt, def.ForeignKey)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedTableNames(m map[string]Table) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
