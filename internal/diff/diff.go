// Package diff compares the expected schema against migration history.
//
// Detection is whole-table: a table is pending when no earlier migration
// creates it. Columns added to an already migrated table are not
// detected.
package diff

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"db_migration_starter/internal/history"
	"db_migration_starter/internal/schema"
)

var (
	ErrUnknownTable  = errors.New("pending table not in snapshot")
	ErrUnknownColumn = errors.New("pending column not in table")
)

// PendingChangeSet maps table names to changed columns. An empty column
// set means the whole table is new. Tables iterate in sorted order.
type PendingChangeSet struct {
	tables  []string
	columns map[string][]string
}

// NewPendingChangeSet validates changes against snap: every table must be
// in the snapshot and every column in that table.
func NewPendingChangeSet(snap schema.Snapshot, changes map[string][]string) (PendingChangeSet, error) {
	p := PendingChangeSet{columns: make(map[string][]string, len(changes))}
	for _, table := range sortedKeys(changes) {
		e, ok := snap.Entity(table)
		if !ok {
			return PendingChangeSet{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
		}
		cols := dedupe(changes[table])
		if missing := difference(cols, e.ColumnNames()); len(missing) > 0 {
			return PendingChangeSet{}, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, strings.Join(missing, ", "))
		}
		p.tables = append(p.tables, table)
		p.columns[table] = cols
	}
	return p, nil
}

// Detect reports every snapshot table that is not in migrated as a new
// table.
func Detect(snap schema.Snapshot, migrated history.TableSet) PendingChangeSet {
	p := PendingChangeSet{columns: map[string][]string{}}
	for _, table := range snap.Tables() {
		if migrated.Has(table) {
			continue
		}
		p.tables = append(p.tables, table)
		p.columns[table] = nil
	}
	return p
}

func (p PendingChangeSet) IsEmpty() bool { return len(p.tables) == 0 }

func (p PendingChangeSet) Len() int { return len(p.tables) }

func (p PendingChangeSet) Tables() []string {
	return append([]string(nil), p.tables...)
}

func (p PendingChangeSet) Columns(table string) []string {
	return append([]string(nil), p.columns[table]...)
}

// IsNewTable reports whether table is pending as a whole.
func (p PendingChangeSet) IsNewTable(table string) bool {
	cols, ok := p.columns[table]
	return ok && len(cols) == 0
}

// Map returns a copy keyed by table. New tables map to an empty slice.
func (p PendingChangeSet) Map() map[string][]string {
	out := make(map[string][]string, len(p.tables))
	for _, t := range p.tables {
		out[t] = append([]string{}, p.columns[t]...)
	}
	return out
}

// Describe returns a human-readable summary of pending changes.
func Describe(p PendingChangeSet) string {
	if p.IsEmpty() {
		return "no pending changes"
	}
	var created []string
	var lines []string
	for _, t := range p.tables {
		if p.IsNewTable(t) {
			created = append(created, t)
			continue
		}
		lines = append(lines, fmt.Sprintf("Table %s: new columns: %s", t, strings.Join(p.columns[t], ", ")))
	}
	if len(created) > 0 {
		lines = append([]string{fmt.Sprintf("New tables: %s", strings.Join(created, ", "))}, lines...)
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
