// Package schema derives the expected relational schema from registered
// entity types and renders it as DDL.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DataType is the dialect-neutral column type.
type DataType string

const (
	TypeBigInt    DataType = "BIGINT"
	TypeInteger   DataType = "INTEGER"
	TypeSmallInt  DataType = "SMALLINT"
	TypeBoolean   DataType = "BOOLEAN"
	TypeFloat     DataType = "FLOAT"
	TypeDouble    DataType = "DOUBLE"
	TypeString    DataType = "VARCHAR"
	TypeTimestamp DataType = "TIMESTAMP"
	TypeBinary    DataType = "BLOB"
	TypeUUID      DataType = "UUID"
)

// DefaultStringLength applies to VARCHAR columns without an explicit size.
const DefaultStringLength = 255

// CurrentTimestamp is the default expression used for creation-time columns.
const CurrentTimestamp = "CURRENT_TIMESTAMP"

var ErrDuplicateTable = errors.New("duplicate table in snapshot")

func (t DataType) IsInteger() bool {
	return t == TypeBigInt || t == TypeInteger || t == TypeSmallInt
}

type Column struct {
	Name          string
	Type          DataType
	SQLType       string // explicit type override, rendered verbatim
	Length        int
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
	Unique        bool
	Default       string
}

// Neutral returns the dialect-neutral type name written into changelogs.
func (c Column) Neutral() string {
	if c.SQLType != "" {
		return c.SQLType
	}
	if c.Type == TypeString {
		n := c.Length
		if n <= 0 {
			n = DefaultStringLength
		}
		return fmt.Sprintf("VARCHAR(%d)", n)
	}
	return string(c.Type)
}

// ParseType maps a neutral type name back to a column type. Names it does
// not know are kept as an SQLType override.
func ParseType(name string) Column {
	name = strings.TrimSpace(name)
	upper := strings.ToUpper(name)
	base, arg := upper, ""
	if i := strings.IndexByte(upper, '('); i > 0 && strings.HasSuffix(upper, ")") {
		base, arg = strings.TrimSpace(upper[:i]), upper[i+1:len(upper)-1]
	}
	switch base {
	case "BIGINT", "INT8", "LONG":
		return Column{Type: TypeBigInt}
	case "INTEGER", "INT", "INT4":
		return Column{Type: TypeInteger}
	case "SMALLINT", "INT2", "TINYINT":
		return Column{Type: TypeSmallInt}
	case "BOOLEAN", "BOOL":
		return Column{Type: TypeBoolean}
	case "FLOAT", "REAL":
		return Column{Type: TypeFloat}
	case "DOUBLE", "DOUBLE PRECISION":
		return Column{Type: TypeDouble}
	case "VARCHAR", "CHARACTER VARYING":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			n = DefaultStringLength
		}
		return Column{Type: TypeString, Length: n}
	case "TIMESTAMP", "DATETIME":
		return Column{Type: TypeTimestamp}
	case "BLOB", "BYTEA", "VARBINARY":
		n, _ := strconv.Atoi(arg)
		return Column{Type: TypeBinary, Length: n}
	case "UUID":
		return Column{Type: TypeUUID}
	}
	return Column{SQLType: name}
}

// Entity describes one persisted type and its table.
type Entity struct {
	TypeName string
	Table    string
	Columns  []Column
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	e.Columns = append([]Column(nil), e.Columns...)
	return e
}

func (e Entity) ColumnNames() []string {
	names := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the primary key column names in declaration order.
func (e Entity) PrimaryKey() []string {
	var pk []string
	for _, c := range e.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

func (e Entity) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Snapshot is the expected schema at one point in time, keyed by table.
type Snapshot struct {
	dialect  Dialect
	entities map[string]Entity
}

// NewSnapshot builds a snapshot. Table names must be unique.
func NewSnapshot(d Dialect, entities ...Entity) (Snapshot, error) {
	s := Snapshot{dialect: d, entities: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		if _, dup := s.entities[e.Table]; dup {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateTable, e.Table)
		}
		s.entities[e.Table] = e.Clone()
	}
	return s, nil
}

func (s Snapshot) Dialect() Dialect { return s.dialect }

func (s Snapshot) Len() int { return len(s.entities) }

// Tables returns table names in sorted order.
func (s Snapshot) Tables() []string {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Snapshot) Entity(table string) (Entity, bool) {
	e, ok := s.entities[table]
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

// Entities returns all entities ordered by table name.
func (s Snapshot) Entities() []Entity {
	out := make([]Entity, 0, len(s.entities))
	for _, name := range s.Tables() {
		out = append(out, s.entities[name].Clone())
	}
	return out
}
