// Package changelog reads and writes declarative XML changelogs and keeps
// the master changelog's include list up to date.
package changelog

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"db_migration_starter/internal/schema"
	"db_migration_starter/internal/storage"
)

const (
	Namespace      = "http://www.liquibase.org/xml/ns/dbchangelog"
	SchemaLocation = Namespace + " " + Namespace + "/dbchangelog-4.5.xsd"

	Header = `<?xml version="1.0" encoding="UTF-8"?>
<databaseChangeLog
    xmlns="` + Namespace + `"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
    xsi:schemaLocation="` + SchemaLocation + `">
`
	ClosingTag = "</databaseChangeLog>"
	Footer     = ClosingTag + "\n"

	// Skeleton is the master changelog written when none exists.
	Skeleton = Header + "\n" + Footer
)

var ErrIncludeCycle = errors.New("changelog include cycle")

type Document struct {
	XMLName    xml.Name    `xml:"databaseChangeLog"`
	Includes   []Include   `xml:"include"`
	ChangeSets []ChangeSet `xml:"changeSet"`
}

type Include struct {
	File                    string `xml:"file,attr"`
	RelativeToChangelogFile bool   `xml:"relativeToChangelogFile,attr,omitempty"`
}

// ChangeSet is one unit of work. Changes keep document order.
type ChangeSet struct {
	ID      string
	Author  string
	Context string
	Labels  string
	Comment string
	Changes []Change
}

// Change holds exactly one of its fields.
type Change struct {
	CreateTable *CreateTable
	AddColumn   *AddColumn
	SQL         *string
}

type CreateTable struct {
	TableName  string   `xml:"tableName,attr"`
	SchemaName string   `xml:"schemaName,attr,omitempty"`
	Columns    []Column `xml:"column"`
}

type AddColumn struct {
	TableName  string   `xml:"tableName,attr"`
	SchemaName string   `xml:"schemaName,attr,omitempty"`
	Columns    []Column `xml:"column"`
}

type Column struct {
	Name                 string       `xml:"name,attr"`
	Type                 string       `xml:"type,attr"`
	AutoIncrement        bool         `xml:"autoIncrement,attr,omitempty"`
	DefaultValue         *string      `xml:"defaultValue,attr"`
	DefaultValueNumeric  string       `xml:"defaultValueNumeric,attr,omitempty"`
	DefaultValueBoolean  string       `xml:"defaultValueBoolean,attr,omitempty"`
	DefaultValueComputed string       `xml:"defaultValueComputed,attr,omitempty"`
	Constraints          *Constraints `xml:"constraints"`
}

type Constraints struct {
	PrimaryKey bool  `xml:"primaryKey,attr,omitempty"`
	Nullable   *bool `xml:"nullable,attr"`
	Unique     bool  `xml:"unique,attr,omitempty"`
}

func (cs *ChangeSet) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "id":
			cs.ID = a.Value
		case "author":
			cs.Author = a.Value
		case "context", "contextFilter":
			cs.Context = a.Value
		case "labels":
			cs.Labels = a.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "createTable":
				var ct CreateTable
				if err := d.DecodeElement(&ct, &t); err != nil {
					return err
				}
				cs.Changes = append(cs.Changes, Change{CreateTable: &ct})
			case "addColumn":
				var ac AddColumn
				if err := d.DecodeElement(&ac, &t); err != nil {
					return err
				}
				cs.Changes = append(cs.Changes, Change{AddColumn: &ac})
			case "sql":
				var body string
				if err := d.DecodeElement(&body, &t); err != nil {
					return err
				}
				body = strings.TrimSpace(body)
				cs.Changes = append(cs.Changes, Change{SQL: &body})
			case "comment":
				if err := d.DecodeElement(&cs.Comment, &t); err != nil {
					return err
				}
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// Tables lists the tables created by the change set.
func (cs ChangeSet) Tables() []string {
	var out []string
	for _, c := range cs.Changes {
		if c.CreateTable != nil {
			out = append(out, c.CreateTable.TableName)
		}
	}
	return out
}

// Parse decodes a changelog document.
func Parse(r io.Reader) (Document, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode changelog: %w", err)
	}
	return doc, nil
}

func ParseFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("open changelog %s: %w", path, err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// FromSchema converts a derived column into its changelog form. Types are
// written dialect-neutral.
func FromSchema(c schema.Column) Column {
	col := Column{
		Name:                 c.Name,
		Type:                 c.Neutral(),
		AutoIncrement:        c.AutoIncrement,
		DefaultValueComputed: c.Default,
	}
	if c.PrimaryKey || !c.Nullable || c.Unique {
		cons := &Constraints{PrimaryKey: c.PrimaryKey, Unique: c.Unique && !c.PrimaryKey}
		if !c.Nullable {
			f := false
			cons.Nullable = &f
		}
		col.Constraints = cons
	}
	return col
}

// Schema converts a changelog column back into a column definition.
func (c Column) Schema() schema.Column {
	col := schema.ParseType(c.Type)
	col.Name = c.Name
	col.AutoIncrement = c.AutoIncrement
	col.Nullable = true
	if c.Constraints != nil {
		col.PrimaryKey = c.Constraints.PrimaryKey
		col.Unique = c.Constraints.Unique
		if c.Constraints.Nullable != nil {
			col.Nullable = *c.Constraints.Nullable
		}
	}
	if col.PrimaryKey {
		col.Nullable = false
	}
	switch {
	case c.DefaultValueComputed != "":
		col.Default = c.DefaultValueComputed
	case c.DefaultValueNumeric != "":
		col.Default = c.DefaultValueNumeric
	case c.DefaultValueBoolean != "":
		col.Default = c.DefaultValueBoolean
	case c.DefaultValue != nil:
		col.Default = "'" + strings.ReplaceAll(*c.DefaultValue, "'", "''") + "'"
	}
	return col
}

// Entity returns the table described by a createTable change.
func (ct CreateTable) Entity() schema.Entity {
	e := schema.Entity{Table: ct.TableName}
	for _, c := range ct.Columns {
		e.Columns = append(e.Columns, c.Schema())
	}
	return e
}

// Render writes a complete changelog document holding changeSets.
func Render(changeSets ...ChangeSet) string {
	var b bytes.Buffer
	b.WriteString(Header)
	for _, cs := range changeSets {
		b.WriteString("\n")
		writeChangeSet(&b, cs)
	}
	b.WriteString("\n")
	b.WriteString(Footer)
	return b.String()
}

func writeChangeSet(b *bytes.Buffer, cs ChangeSet) {
	fmt.Fprintf(b, "    <changeSet id=%s author=%s", attr(cs.ID), attr(cs.Author))
	if cs.Context != "" {
		fmt.Fprintf(b, " context=%s", attr(cs.Context))
	}
	if cs.Labels != "" {
		fmt.Fprintf(b, " labels=%s", attr(cs.Labels))
	}
	b.WriteString(">\n")
	if cs.Comment != "" {
		fmt.Fprintf(b, "        <comment>%s</comment>\n", text(cs.Comment))
	}
	for _, c := range cs.Changes {
		switch {
		case c.CreateTable != nil:
			fmt.Fprintf(b, "        <createTable tableName=%s>\n", attr(c.CreateTable.TableName))
			writeColumns(b, c.CreateTable.Columns)
			b.WriteString("        </createTable>\n")
		case c.AddColumn != nil:
			fmt.Fprintf(b, "        <addColumn tableName=%s>\n", attr(c.AddColumn.TableName))
			writeColumns(b, c.AddColumn.Columns)
			b.WriteString("        </addColumn>\n")
		case c.SQL != nil:
			fmt.Fprintf(b, "        <sql>%s</sql>\n", text(*c.SQL))
		}
	}
	b.WriteString("    </changeSet>\n")
}

func writeColumns(b *bytes.Buffer, cols []Column) {
	for _, c := range cols {
		fmt.Fprintf(b, "            <column name=%s type=%s", attr(c.Name), attr(c.Type))
		if c.AutoIncrement {
			b.WriteString(` autoIncrement="true"`)
		}
		if c.DefaultValueComputed != "" {
			fmt.Fprintf(b, " defaultValueComputed=%s", attr(c.DefaultValueComputed))
		}
		if c.Constraints == nil {
			b.WriteString("/>\n")
			continue
		}
		b.WriteString(">\n                <constraints")
		if c.Constraints.PrimaryKey {
			b.WriteString(` primaryKey="true"`)
		}
		if c.Constraints.Nullable != nil {
			fmt.Fprintf(b, ` nullable="%s"`, strconv.FormatBool(*c.Constraints.Nullable))
		}
		if c.Constraints.Unique {
			b.WriteString(` unique="true"`)
		}
		b.WriteString("/>\n            </column>\n")
	}
}

func attr(s string) string {
	return `"` + text(s) + `"`
}

func text(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// Entry is a change set together with the changelog file it came from.
type Entry struct {
	File      string
	ChangeSet ChangeSet
}

// Flatten loads master and every file it includes, depth first, and
// returns all change sets in execution order. Entry.File is the path
// relative to the master's directory, with forward slashes. A
// "classpath:" include resolves under root.
func Flatten(root, master string) ([]Entry, error) {
	baseDir := filepath.Dir(master)
	var out []Entry
	visiting := map[string]bool{}

	var walk func(path string) error
	walk = func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if visiting[abs] {
			return fmt.Errorf("%w at %s", ErrIncludeCycle, path)
		}
		visiting[abs] = true
		defer delete(visiting, abs)

		doc, err := ParseFile(path)
		if err != nil {
			return err
		}
		logical := logicalName(baseDir, path)
		for _, cs := range doc.ChangeSets {
			out = append(out, Entry{File: logical, ChangeSet: cs})
		}
		for _, inc := range doc.Includes {
			if err := walk(resolveInclude(root, path, inc)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(master); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveInclude(root, from string, inc Include) string {
	file := strings.TrimSpace(inc.File)
	if strings.HasPrefix(file, storage.ClasspathPrefix) {
		return storage.Resolve(root, file)
	}
	if inc.RelativeToChangelogFile {
		return filepath.Join(filepath.Dir(from), filepath.FromSlash(file))
	}
	return filepath.FromSlash(file)
}

func logicalName(baseDir, path string) string {
	if rel, err := filepath.Rel(baseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}
