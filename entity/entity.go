// Package entity marks Go structs as persisted entities and keeps the
// registry the migration scanner reads from.
//
// A persisted type embeds Model and is registered once, usually from an
// init function:
//
//	type Order struct {
//		entity.Model
//		ID        int64
//		Total     float64
//		CreatedAt time.Time
//	}
//
//	func init() { entity.Register(Order{}) }
package entity

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Model is embedded by persisted types.
type Model struct{}

var (
	ErrNil       = errors.New("nil entity value")
	ErrNotStruct = errors.New("entity must be a struct")
	ErrAnonymous = errors.New("entity type must be named")
	ErrNoMarker  = errors.New("entity struct does not embed entity.Model")
)

var modelType = reflect.TypeOf(Model{})

// Registry holds registered entity values. The zero value is not usable;
// use NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries []any
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register records values (struct values, pointers to structs or
// reflect.Types). Validation happens when the registry is scanned so that a
// bad registration never panics at init time.
func (r *Registry) Register(values ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, values...)
}

// Entries returns a copy of everything registered so far, in registration
// order.
func (r *Registry) Entries() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.entries...)
}

// DefaultRegistry is the registry used by Register.
var DefaultRegistry = NewRegistry()

func Register(values ...any) {
	DefaultRegistry.Register(values...)
}

// TypeOf resolves a registered value to its struct type and checks that it
// is a persisted entity.
func TypeOf(v any) (reflect.Type, error) {
	if v == nil {
		return nil, ErrNil
	}
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: got %s", ErrNotStruct, t.Kind())
	}
	if t.Name() == "" {
		return nil, ErrAnonymous
	}
	if !embedsModel(t) {
		return nil, fmt.Errorf("%w: %s", ErrNoMarker, QualifiedName(t))
	}
	return t, nil
}

// IsModel reports whether f is the embedded marker field.
func IsModel(f reflect.StructField) bool {
	return f.Anonymous && f.Type == modelType
}

func embedsModel(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		if IsModel(t.Field(i)) {
			return true
		}
	}
	return false
}

// QualifiedName returns "<package path>.<type name>".
func QualifiedName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}
