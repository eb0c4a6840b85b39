// Package artifact names generated migration files and reads versions back
// out of existing ones.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"db_migration_starter/internal/storage"
)

type Format string

const (
	FormatSQL       Format = "sql"
	FormatChangelog Format = "changelog"
)

var (
	ErrVersionNotIncreasing = errors.New("artifact version is not newer than existing artifacts")
	ErrUnknownFormat        = errors.New("unknown artifact format")
)

var (
	sqlNameRe       = regexp.MustCompile(`^V([0-9]+(?:[._][0-9]+)*)__(.+)\.sql$`)
	changelogNameRe = regexp.MustCompile(`^changelog-([0-9]+)\.xml$`)
)

// Artifact is one generated migration file.
type Artifact struct {
	Format      Format
	Version     string
	Description string
	Path        string
	Content     string
	// Skipped is set when an artifact with the same version already
	// existed and nothing was written.
	Skipped bool
}

func (a Artifact) FileName() string {
	return filepath.Base(a.Path)
}

// Info is the parsed name of an existing artifact.
type Info struct {
	Format      Format
	Version     string
	Description string
	Path        string
}

// Version formats t with layout. Layouts are digit-only and fixed width, so
// versions sort lexicographically in time order.
func Version(t time.Time, layout string) string {
	return t.Format(layout)
}

// DefaultDescription appends the generation date to base.
func DefaultDescription(base string, t time.Time) string {
	return strings.TrimSpace(base) + " " + t.Format("20060102")
}

// Slug turns a free-text description into a filename fragment.
func Slug(description string) string {
	s := storage.SafeName(description)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r == '\t' || r == '\n':
			return '_'
		}
		return -1
	}, s)
	if s == "" {
		return "migration"
	}
	return s
}

// FileName builds the file name for an artifact.
func FileName(f Format, version, slug string) (string, error) {
	switch f {
	case FormatSQL:
		return fmt.Sprintf("V%s__%s.sql", version, slug), nil
	case FormatChangelog:
		return fmt.Sprintf("changelog-%s.xml", version), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

// Parse reads format, version and description from a file name.
func Parse(name string) (Info, bool) {
	base := filepath.Base(name)
	if m := sqlNameRe.FindStringSubmatch(base); m != nil {
		return Info{Format: FormatSQL, Version: m[1], Description: strings.ReplaceAll(m[2], "_", " "), Path: name}, true
	}
	if m := changelogNameRe.FindStringSubmatch(base); m != nil {
		return Info{Format: FormatChangelog, Version: m[1], Path: name}, true
	}
	return Info{}, false
}

// List returns the artifacts of format f directly inside dir, ordered by
// version. A missing dir yields an empty list.
func List(dir string, f Format) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact dir %s: %w", dir, err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := Parse(filepath.Join(dir, e.Name()))
		if ok && info.Format == f {
			out = append(out, info)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

// CheckVersion decides what to do with a new version in dir. It returns
// the existing artifact with the same version, if any. A version older
// than the newest existing one fails with ErrVersionNotIncreasing.
func CheckVersion(dir string, f Format, version string) (*Info, error) {
	existing, err := List(dir, f)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if CompareVersions(existing[i].Version, version) == 0 {
			return &existing[i], nil
		}
	}
	if n := len(existing); n > 0 && CompareVersions(version, existing[n-1].Version) < 0 {
		return nil, fmt.Errorf("%w: %s < %s (%s)", ErrVersionNotIncreasing, version, existing[n-1].Version, existing[n-1].Path)
	}
	return nil, nil
}

// CompareVersions orders dotted or underscored numeric versions part by
// part, ignoring leading zeros.
func CompareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if c := compareNumeric(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func splitVersion(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '_' })
}

func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
