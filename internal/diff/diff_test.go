package diff

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"db_migration_starter/internal/history"
	"db_migration_starter/internal/schema"
)

func snapshot(t *testing.T, tables ...string) schema.Snapshot {
	t.Helper()
	var entities []schema.Entity
	for _, name := range tables {
		entities = append(entities, schema.Entity{
			Table:   name,
			Columns: []schema.Column{{Name: "id", Type: schema.TypeBigInt, PrimaryKey: true}, {Name: "name", Type: schema.TypeString}},
		})
	}
	snap, err := schema.NewSnapshot(schema.Generic, entities...)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestDetect_OrderScenario(t *testing.T) {
	got := Detect(snapshot(t, "order"), history.NewTableSet())
	want := map[string][]string{"order": {}}
	if diff := cmp.Diff(want, got.Map()); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
	if !got.IsNewTable("order") {
		t.Error("order should be a whole new table")
	}
}

func TestDetect_WholeTableGranularity(t *testing.T) {
	snap := snapshot(t, "customer", "order", "invoice")
	got := Detect(snap, history.NewTableSet("ORDER", "unrelated"))

	if diff := cmp.Diff([]string{"customer", "invoice"}, got.Tables()); diff != "" {
		t.Errorf("tables (-want +got):\n%s", diff)
	}
	if got.IsNewTable("order") {
		t.Error("migrated table reported as pending; column changes are not detected")
	}
}

func TestDetect_Empty(t *testing.T) {
	empty, _ := schema.NewSnapshot(schema.Generic)
	if p := Detect(empty, history.NewTableSet()); !p.IsEmpty() {
		t.Errorf("Detect(empty) = %v", p.Map())
	}
	if p := Detect(snapshot(t, "a"), history.NewTableSet("a")); !p.IsEmpty() || Describe(p) != "no pending changes" {
		t.Errorf("Detect(all migrated) = %v", p.Map())
	}
}

func TestNewPendingChangeSet(t *testing.T) {
	snap := snapshot(t, "a", "b")

	p, err := NewPendingChangeSet(snap, map[string][]string{"b": {"name", "id", "name"}, "a": nil})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, p.Tables()); diff != "" {
		t.Errorf("tables (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "name"}, p.Columns("b")); diff != "" {
		t.Errorf("columns (-want +got):\n%s", diff)
	}
	want := "New tables: a\nTable b: new columns: id, name"
	if got := Describe(p); got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}

	if _, err := NewPendingChangeSet(snap, map[string][]string{"zzz": nil}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("unknown table error = %v", err)
	}
	if _, err := NewPendingChangeSet(snap, map[string][]string{"a": {"missing"}}); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("unknown column error = %v", err)
	}
}

func TestPendingChangeSet_ReturnsCopies(t *testing.T) {
	p := Detect(snapshot(t, "a", "b"), history.NewTableSet())
	tables := p.Tables()
	tables[0] = "mutated"
	if p.Tables()[0] != "a" {
		t.Error("Tables() exposed internal state")
	}
}
