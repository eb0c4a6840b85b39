// Package scan discovers persisted entity types under a set of package
// namespaces.
package scan

import (
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"db_migration_starter/entity"
)

// DefaultNamespace is scanned when neither namespaces nor an entry type are
// configured.
const DefaultNamespace = "db_migration_starter"

type Scanner struct {
	registry   *entity.Registry
	namespaces []string
	entryType  reflect.Type
	logger     *slog.Logger
}

type Option func(*Scanner)

// WithNamespaces sets the package-path prefixes to scan. Blank entries are
// ignored.
func WithNamespaces(ns ...string) Option {
	return func(s *Scanner) {
		for _, n := range ns {
			n = strings.Trim(strings.TrimSpace(n), "/")
			if n != "" {
				s.namespaces = append(s.namespaces, n)
			}
		}
	}
}

// WithEntryType sets the host's designated entry type. Its package is used
// as the namespace when none is configured.
func WithEntryType(v any) Option {
	return func(s *Scanner) {
		if v == nil {
			return
		}
		t, ok := v.(reflect.Type)
		if !ok {
			t = reflect.TypeOf(v)
		}
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		s.entryType = t
	}
}

func WithRegistry(r *entity.Registry) Option {
	return func(s *Scanner) { s.registry = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

func New(opts ...Option) *Scanner {
	s := &Scanner{}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = entity.DefaultRegistry
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Namespaces returns the effective namespaces after applying the fallback
// order: configured, entry type package, DefaultNamespace.
func (s *Scanner) Namespaces() []string {
	if len(s.namespaces) > 0 {
		return append([]string(nil), s.namespaces...)
	}
	if s.entryType != nil && s.entryType.PkgPath() != "" {
		return []string{s.entryType.PkgPath()}
	}
	return []string{DefaultNamespace}
}

// Scan returns the distinct registered entity types under the effective
// namespaces, sorted by qualified name. Invalid registrations are logged
// and skipped. An empty result is not an error.
func (s *Scanner) Scan() []reflect.Type {
	namespaces := s.Namespaces()
	seen := map[reflect.Type]struct{}{}
	var out []reflect.Type

	for i, v := range s.registry.Entries() {
		t, err := entity.TypeOf(v)
		if err != nil {
			s.logger.Warn("skipping entity registration", "index", i, "value", describe(v), "error", err)
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		if !inNamespaces(t.PkgPath(), namespaces) {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		return entity.QualifiedName(out[i]) < entity.QualifiedName(out[j])
	})
	s.logger.Debug("entity scan complete", "namespaces", namespaces, "found", len(out))
	return out
}

func inNamespaces(pkg string, namespaces []string) bool {
	for _, ns := range namespaces {
		if pkg == ns || strings.HasPrefix(pkg, ns+"/") {
			return true
		}
	}
	return false
}

func describe(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
