package schema

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"db_migration_starter/entity"
)

var (
	ErrUnsupportedType = errors.New("unsupported field type")
	ErrBadTag          = errors.New("invalid db tag")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrEmptyTable      = errors.New("empty table name")
)

// Tabler lets an entity override its table name.
type Tabler interface {
	TableName() string
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	uuidType  = reflect.TypeOf(uuid.UUID{})
	bytesType = reflect.TypeOf([]byte(nil))

	nullTypes = map[reflect.Type]DataType{
		reflect.TypeOf(sql.NullString{}):  TypeString,
		reflect.TypeOf(sql.NullInt64{}):   TypeBigInt,
		reflect.TypeOf(sql.NullInt32{}):   TypeInteger,
		reflect.TypeOf(sql.NullInt16{}):   TypeSmallInt,
		reflect.TypeOf(sql.NullByte{}):    TypeSmallInt,
		reflect.TypeOf(sql.NullBool{}):    TypeBoolean,
		reflect.TypeOf(sql.NullFloat64{}): TypeDouble,
		reflect.TypeOf(sql.NullTime{}):    TypeTimestamp,
		reflect.TypeOf(uuid.NullUUID{}):   TypeUUID,
	}

	creationColumns = map[string]bool{
		"created_at":    true,
		"created_on":    true,
		"creation_date": true,
	}
)

// Deriver turns entity types into a Snapshot.
type Deriver struct {
	logger *slog.Logger
}

func NewDeriver(logger *slog.Logger) *Deriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{logger: logger}
}

// Derive builds the expected schema for types. An entity whose metadata
// cannot be read is logged and left out; the rest are still derived.
// Types are processed in the given order, so on a table clash the first
// one wins.
func (d *Deriver) Derive(types []reflect.Type, dialect Dialect) Snapshot {
	snap := Snapshot{dialect: dialect, entities: make(map[string]Entity, len(types))}
	owners := map[string]string{}
	for _, t := range types {
		e, err := deriveSafely(t)
		if err != nil {
			d.logger.Error("skipping entity", "type", entity.QualifiedName(t), "error", err)
			continue
		}
		if owner, clash := owners[e.Table]; clash {
			d.logger.Error("skipping entity", "type", e.TypeName, "error",
				fmt.Errorf("%w: %s already mapped by %s", ErrDuplicateTable, e.Table, owner))
			continue
		}
		owners[e.Table] = e.TypeName
		snap.entities[e.Table] = e
	}
	return snap
}

// deriveSafely keeps a panicking entity (a TableName method, say) from
// taking the other entities down with it.
func deriveSafely(t reflect.Type) (e Entity, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, err = Entity{}, fmt.Errorf("panic: %v", r)
		}
	}()
	return DeriveEntity(t)
}

// DeriveEntity reads one entity type.
func DeriveEntity(t reflect.Type) (Entity, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Entity{}, fmt.Errorf("%w: %s is not a struct", ErrUnsupportedType, t)
	}
	e := Entity{TypeName: entity.QualifiedName(t), Table: tableName(t)}
	if e.Table == "" {
		return Entity{}, ErrEmptyTable
	}

	fields, err := fieldColumns(t, nil)
	if err != nil {
		return Entity{}, err
	}
	if len(fields) == 0 {
		e.Columns = conventionColumns()
		return e, nil
	}

	seen := map[string]bool{}
	for _, f := range fields {
		if seen[f.Name] {
			return Entity{}, fmt.Errorf("%w: %s", ErrDuplicateColumn, f.Name)
		}
		seen[f.Name] = true
	}
	e.Columns = resolveKeys(fields)
	return e, nil
}

// conventionColumns is the shape used when an entity has no persistable
// fields.
func conventionColumns() []Column {
	return []Column{
		{Name: "id", Type: TypeBigInt, PrimaryKey: true, AutoIncrement: true},
		{Name: "name", Type: TypeString, Length: DefaultStringLength, Nullable: true},
		{Name: "created_at", Type: TypeTimestamp, Nullable: true, Default: CurrentTimestamp},
	}
}

// resolveKeys picks the primary key (explicit pk options, else a column
// named id) and flags a single integer key as autoincrement.
func resolveKeys(fields []field) []Column {
	explicit := false
	for _, f := range fields {
		if f.PrimaryKey {
			explicit = true
			break
		}
	}
	if !explicit {
		for i := range fields {
			if fields[i].Name == "id" {
				fields[i].PrimaryKey = true
				break
			}
		}
	}

	keys := 0
	for _, f := range fields {
		if f.PrimaryKey {
			keys++
		}
	}
	cols := make([]Column, len(fields))
	for i, f := range fields {
		c := f.Column
		if c.PrimaryKey {
			c.Nullable = false
			if keys == 1 && c.Type.IsInteger() && c.SQLType == "" && !f.noAutoInc {
				c.AutoIncrement = true
			}
		}
		if keys > 1 {
			c.AutoIncrement = false
		}
		cols[i] = c
	}
	return cols
}

func tableName(t reflect.Type) string {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if entity.IsModel(f) {
			if name := strings.TrimSpace(f.Tag.Get("table")); name != "" {
				return name
			}
		}
	}
	if tb, ok := reflect.New(t).Interface().(Tabler); ok {
		return strings.TrimSpace(tb.TableName())
	}
	return strings.ToLower(t.Name())
}

type fieldOpts struct {
	pk, autoInc, noAutoInc bool
	notNull, null, unique  bool
	size                   int
	sqlType                string
	def                    string
}

type field struct {
	Column
	noAutoInc bool
}

func fieldColumns(t reflect.Type, out []field) ([]field, error) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if entity.IsModel(sf) || !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("db")
		if tag == "-" {
			continue
		}
		name, opts, err := parseTag(tag)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}
		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct && !isScalarStruct(sf.Type) {
			out, err = fieldColumns(sf.Type, out)
			if err != nil {
				return nil, err
			}
			continue
		}
		if name == "" {
			name = SnakeCase(sf.Name)
		}
		col, err := fieldColumn(sf.Type, name, opts)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}
		out = append(out, field{Column: col, noAutoInc: opts.noAutoInc})
	}
	return out, nil
}

func fieldColumn(ft reflect.Type, name string, o fieldOpts) (Column, error) {
	typ, nullable, err := mapType(ft)
	if err != nil {
		return Column{}, err
	}
	c := Column{
		Name:       name,
		Type:       typ,
		SQLType:    o.sqlType,
		Nullable:   nullable,
		PrimaryKey: o.pk,
		Unique:     o.unique,
		Default:    o.def,
	}
	if typ == TypeString {
		c.Length = DefaultStringLength
	}
	if o.size > 0 {
		if typ != TypeString && typ != TypeBinary {
			return Column{}, fmt.Errorf("%w: size on %s column", ErrBadTag, typ)
		}
		c.Length = o.size
	}
	switch {
	case o.notNull:
		c.Nullable = false
	case o.null:
		c.Nullable = true
	}
	if o.autoInc {
		if !typ.IsInteger() {
			return Column{}, fmt.Errorf("%w: autoincrement on %s column", ErrBadTag, typ)
		}
		c.AutoIncrement = true
	}
	if c.Default == "" && typ == TypeTimestamp && creationColumns[name] {
		c.Default = CurrentTimestamp
	}
	return c, nil
}

func mapType(ft reflect.Type) (DataType, bool, error) {
	nullable := false
	if ft.Kind() == reflect.Pointer {
		nullable = true
		ft = ft.Elem()
	}
	if typ, ok := nullTypes[ft]; ok {
		return typ, true, nil
	}
	switch ft {
	case timeType:
		return TypeTimestamp, true, nil
	case uuidType:
		return TypeUUID, nullable, nil
	case bytesType:
		return TypeBinary, true, nil
	}
	switch ft.Kind() {
	case reflect.Int64, reflect.Int, reflect.Uint, reflect.Uint64, reflect.Uint32:
		return TypeBigInt, nullable, nil
	case reflect.Int32, reflect.Uint16:
		return TypeInteger, nullable, nil
	case reflect.Int16, reflect.Int8, reflect.Uint8:
		return TypeSmallInt, nullable, nil
	case reflect.Bool:
		return TypeBoolean, nullable, nil
	case reflect.Float64:
		return TypeDouble, nullable, nil
	case reflect.Float32:
		return TypeFloat, nullable, nil
	case reflect.String:
		return TypeString, true, nil
	}
	return "", false, fmt.Errorf("%w: %s", ErrUnsupportedType, ft)
}

func isScalarStruct(t reflect.Type) bool {
	if t == timeType || t == uuidType {
		return true
	}
	_, ok := nullTypes[t]
	return ok
}

// parseTag splits `db:"name,opt,opt=value"`.
func parseTag(tag string) (string, fieldOpts, error) {
	var o fieldOpts
	parts := strings.Split(tag, ",")
	name := strings.TrimSpace(parts[0])
	for _, raw := range parts[1:] {
		opt := strings.TrimSpace(raw)
		key, val, hasVal := strings.Cut(opt, "=")
		switch key {
		case "":
		case "pk":
			o.pk = true
		case "autoincrement":
			o.autoInc = true
		case "noautoincrement":
			o.noAutoInc = true
		case "notnull":
			o.notNull = true
		case "null":
			o.null = true
		case "unique":
			o.unique = true
		case "size":
			n, err := strconv.Atoi(val)
			if !hasVal || err != nil || n <= 0 {
				return "", o, fmt.Errorf("%w: size=%q", ErrBadTag, val)
			}
			o.size = n
		case "type":
			if strings.TrimSpace(val) == "" {
				return "", o, fmt.Errorf("%w: empty type", ErrBadTag)
			}
			o.sqlType = strings.TrimSpace(val)
		case "default":
			if strings.EqualFold(strings.TrimSpace(val), "now") {
				o.def = CurrentTimestamp
			} else {
				o.def = strings.TrimSpace(val)
			}
		default:
			return "", o, fmt.Errorf("%w: unknown option %q", ErrBadTag, key)
		}
	}
	if o.notNull && o.null {
		return "", o, fmt.Errorf("%w: null and notnull are exclusive", ErrBadTag)
	}
	if o.autoInc && o.noAutoInc {
		return "", o, fmt.Errorf("%w: autoincrement and noautoincrement are exclusive", ErrBadTag)
	}
	return name, o, nil
}

// SnakeCase converts a Go identifier to snake_case, keeping initialisms
// together: CreatedAt -> created_at, UserID -> user_id, HTTPCode -> http_code.
func SnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
