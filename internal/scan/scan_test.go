package scan

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db_migration_starter/entity"
	"db_migration_starter/internal/logging"
)

type Order struct {
	entity.Model
	ID int64
}

type Customer struct {
	entity.Model
	ID int64
}

type notAnEntity struct {
	ID int64
}

type app struct{}

const thisPkg = "db_migration_starter/internal/scan"

func TestScan_SortsAndDedups(t *testing.T) {
	reg := entity.NewRegistry()
	reg.Register(Order{}, &Order{}, Customer{}, reflect.TypeOf(Order{}))

	s := New(WithRegistry(reg), WithNamespaces(thisPkg), WithLogger(logging.Discard()))
	got := s.Scan()

	require.Len(t, got, 2)
	assert.Equal(t, reflect.TypeOf(Customer{}), got[0])
	assert.Equal(t, reflect.TypeOf(Order{}), got[1])
}

func TestScan_SkipsInvalid(t *testing.T) {
	reg := entity.NewRegistry()
	reg.Register(nil, 7, notAnEntity{}, Order{})

	got := New(WithRegistry(reg), WithNamespaces(thisPkg), WithLogger(logging.Discard())).Scan()
	assert.Equal(t, []reflect.Type{reflect.TypeOf(Order{})}, got)
}

func TestScan_Empty(t *testing.T) {
	got := New(WithRegistry(entity.NewRegistry()), WithNamespaces(thisPkg), WithLogger(logging.Discard())).Scan()
	assert.Empty(t, got)
}

func TestScan_NamespaceFilter(t *testing.T) {
	reg := entity.NewRegistry()
	reg.Register(Order{})

	cases := []struct {
		ns    string
		found bool
	}{
		{"db_migration_starter", true},
		{"db_migration_starter/internal", true},
		{thisPkg, true},
		{"db_migration_starter/internal/sc", false},
		{"other/module", false},
	}
	for _, tc := range cases {
		got := New(WithRegistry(reg), WithNamespaces(tc.ns), WithLogger(logging.Discard())).Scan()
		assert.Equal(t, tc.found, len(got) == 1, "namespace %q", tc.ns)
	}
}

func TestNamespaces_Fallback(t *testing.T) {
	assert.Equal(t, []string{"a/b"}, New(WithNamespaces(" a/b/ ", ""), WithEntryType(app{})).Namespaces())
	assert.Equal(t, []string{thisPkg}, New(WithEntryType(&app{})).Namespaces())
	assert.Equal(t, []string{DefaultNamespace}, New().Namespaces())
}
