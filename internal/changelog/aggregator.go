package changelog

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"db_migration_starter/internal/storage"
)

var ErrMalformedMaster = errors.New("master changelog has no closing " + ClosingTag)

var (
	includeFileRe = regexp.MustCompile(`<include\b[^>]*?\bfile\s*=\s*["']([^"']+)["']`)
	xmlCommentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Aggregator maintains the master changelog. The master is only ever
// patched in place so entries added by hand survive.
type Aggregator struct {
	master string
	logger *slog.Logger
}

func NewAggregator(master string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{master: master, logger: logger}
}

func (a *Aggregator) Path() string { return a.master }

// EnsureMaster writes the empty skeleton if the master does not exist yet.
func (a *Aggregator) EnsureMaster() (bool, error) {
	if err := storage.EnsureDir(filepath.Dir(a.master)); err != nil {
		return false, err
	}
	created, err := storage.CreateExclusive(a.master, []byte(Skeleton))
	if err != nil {
		return false, fmt.Errorf("create master changelog: %w", err)
	}
	if created {
		a.logger.Info("created master changelog", "path", a.master)
	}
	return created, nil
}

// Include adds an include for artifactPath just before the closing tag.
// If an include for a file with the same name is already present the
// master is not touched and added is false.
func (a *Aggregator) Include(artifactPath string) (added bool, err error) {
	if _, err := a.EnsureMaster(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(a.master)
	if err != nil {
		return false, fmt.Errorf("read master changelog %s: %w", a.master, err)
	}
	if HasInclude(data, filepath.Base(artifactPath)) {
		a.logger.Debug("include already present", "path", a.master, "artifact", artifactPath)
		return false, nil
	}

	patched, err := insertInclude(data, a.includeLine(artifactPath))
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.master, err)
	}
	if err := storage.ReplaceAtomic(a.master, patched); err != nil {
		return false, fmt.Errorf("patch master changelog: %w", err)
	}
	a.logger.Info("added include to master changelog", "path", a.master, "artifact", artifactPath)
	return true, nil
}

func (a *Aggregator) includeLine(artifactPath string) string {
	if rel, ok := relativeTo(filepath.Dir(a.master), artifactPath); ok {
		return fmt.Sprintf("    <include file=%s relativeToChangelogFile=\"true\"/>\n", attr(rel))
	}
	return fmt.Sprintf("    <include file=%s/>\n", attr(filepath.ToSlash(artifactPath)))
}

// relativeTo returns target relative to dir when target lies inside dir.
func relativeTo(dir, target string) (string, bool) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absDir, absTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// HasInclude reports whether data already includes a file named base.
// Commented-out includes do not count.
func HasInclude(data []byte, base string) bool {
	data = xmlCommentRe.ReplaceAll(data, nil)
	for _, m := range includeFileRe.FindAllSubmatch(data, -1) {
		if path.Base(filepath.ToSlash(string(m[1]))) == base {
			return true
		}
	}
	return false
}

func insertInclude(data []byte, line string) ([]byte, error) {
	idx := bytes.LastIndex(data, []byte(ClosingTag))
	if idx < 0 {
		return nil, ErrMalformedMaster
	}
	var out bytes.Buffer
	out.Grow(len(data) + len(line) + 1)
	out.Write(data[:idx])
	if idx > 0 && data[idx-1] != '\n' {
		out.WriteByte('\n')
	}
	out.WriteString(line)
	out.Write(data[idx:])
	return out.Bytes(), nil
}
