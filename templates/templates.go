// Package templates embeds the boilerplate written when a project has no
// migrations yet.
package templates

import (
	"bytes"
	"embed"
	"io/fs"
	"text/template"
)

//go:embed initial_schema.sql initial_changelog.xml.tmpl
var files embed.FS

// InitialSQLDescription is the description used for the initial script.
const InitialSQLDescription = "initial schema"

var changelogTmpl = template.Must(template.ParseFS(files, "initial_changelog.xml.tmpl"))

// InitialSQL returns the commented starter script.
func InitialSQL() []byte {
	data, err := fs.ReadFile(files, "initial_schema.sql")
	if err != nil {
		panic(err)
	}
	return data
}

// InitialChangelog renders the starter changelog with a single empty
// change set.
func InitialChangelog(id, author string) ([]byte, error) {
	var buf bytes.Buffer
	err := changelogTmpl.Execute(&buf, struct{ ID, Author string }{ID: id, Author: author})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
