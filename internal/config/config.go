package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"db_migration_starter/internal/schema"
)

// DefaultPath is the config file looked up when no explicit path is given.
const DefaultPath = "migration.yaml"

type EngineType string

const (
	EngineSQL       EngineType = "sql"
	EngineChangelog EngineType = "changelog"
)

const (
	DefaultTimestampLayout = "20060102150405"
	DefaultAuthor          = "db-migration-starter"
	DefaultDescription     = "update schema"
	DefaultResourceRoot    = "resources"
	DefaultSQLLocation     = "classpath:db/migration"
	DefaultChangelogDir    = "classpath:db/changelog"
	DefaultMasterChangelog = "classpath:db/changelog/db.changelog-master.xml"
)

var ErrUnknownEngine = errors.New("unknown migration engine")

type Config struct {
	Engine            EngineType
	Enabled           bool
	Locations         []string
	ChangeLogPath     string
	Schema            string
	BaselineOnMigrate bool
	BaselineVersion   string
	ValidateOnMigrate bool
	Contexts          []string
	Labels            []string
	QuoteIdentifiers  bool
	ResourceRoot      string
	Database          DatabaseConfig
	Generation        GenerationConfig
	LogLevel          string
	LogFormat         string
	HTTPAddress       string
}

type DatabaseConfig struct {
	Provider string
	DSN      string
}

type GenerationConfig struct {
	AutoGenerate       bool
	BootstrapTemplates bool
	EntityNamespaces   []string
	OutputDir          string
	MasterChangelog    string
	TimestampLayout    string
	UTC                bool
	Description        string
	Author             string
	IncludeLiveTables  bool
}

// fileConfig mirrors the YAML layout. Pointers distinguish "unset" from
// an explicit false so defaults can apply.
type fileConfig struct {
	Engine            string         `yaml:"engine"`
	Enabled           *bool          `yaml:"enabled"`
	Location          string         `yaml:"location"`
	Locations         []string       `yaml:"locations"`
	ChangeLogPath     string         `yaml:"changelog_path"`
	Schema            string         `yaml:"schema"`
	BaselineOnMigrate *bool          `yaml:"baseline_on_migrate"`
	BaselineVersion   string         `yaml:"baseline_version"`
	ValidateOnMigrate *bool          `yaml:"validate_on_migrate"`
	Contexts          []string       `yaml:"contexts"`
	Labels            []string       `yaml:"labels"`
	QuoteIdentifiers  bool           `yaml:"quote_identifiers"`
	ResourceRoot      string         `yaml:"resource_root"`
	Database          fileDatabase   `yaml:"database"`
	Generation        fileGeneration `yaml:"generation"`
	LogLevel          string         `yaml:"log_level"`
	LogFormat         string         `yaml:"log_format"`
	HTTPAddress       string         `yaml:"http_addr"`
}

type fileDatabase struct {
	Provider string `yaml:"provider"`
	DSN      string `yaml:"dsn"`
}

type fileGeneration struct {
	AutoGenerate       bool     `yaml:"auto_generate"`
	BootstrapTemplates bool     `yaml:"bootstrap_templates"`
	EntityNamespaces   []string `yaml:"entity_namespaces"`
	OutputDir          string   `yaml:"output_dir"`
	MasterChangelog    string   `yaml:"master_changelog"`
	TimestampLayout    string   `yaml:"timestamp_layout"`
	UTC                *bool    `yaml:"utc"`
	Description        string   `yaml:"description"`
	Author             string   `yaml:"author"`
	IncludeLiveTables  bool     `yaml:"include_live_tables"`
}

// Load reads the YAML file at path, applies MIGRATION_* environment
// overrides and defaults, and validates the result. A missing file at the
// default path is not an error.
func Load(path string) (Config, error) {
	var fc fileConfig
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&fc); err != nil {
		return Config{}, err
	}
	cfg := fromFile(fc)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is configured.
func Default() Config {
	return fromFile(fileConfig{})
}

func fromFile(fc fileConfig) Config {
	cfg := Config{
		Engine:            ParseEngine(fc.Engine),
		Enabled:           boolOr(fc.Enabled, true),
		Locations:         append([]string(nil), fc.Locations...),
		ChangeLogPath:     fc.ChangeLogPath,
		Schema:            fc.Schema,
		BaselineOnMigrate: boolOr(fc.BaselineOnMigrate, true),
		BaselineVersion:   stringOr(fc.BaselineVersion, "1"),
		ValidateOnMigrate: boolOr(fc.ValidateOnMigrate, true),
		Contexts:          trimAll(fc.Contexts),
		Labels:            trimAll(fc.Labels),
		QuoteIdentifiers:  fc.QuoteIdentifiers,
		ResourceRoot:      stringOr(fc.ResourceRoot, DefaultResourceRoot),
		Database: DatabaseConfig{
			Provider: strings.ToLower(strings.TrimSpace(fc.Database.Provider)),
			DSN:      fc.Database.DSN,
		},
		Generation: GenerationConfig{
			AutoGenerate:       fc.Generation.AutoGenerate,
			BootstrapTemplates: fc.Generation.BootstrapTemplates,
			EntityNamespaces:   trimAll(fc.Generation.EntityNamespaces),
			OutputDir:          fc.Generation.OutputDir,
			MasterChangelog:    stringOr(fc.Generation.MasterChangelog, DefaultMasterChangelog),
			TimestampLayout:    stringOr(fc.Generation.TimestampLayout, DefaultTimestampLayout),
			UTC:                boolOr(fc.Generation.UTC, true),
			Description:        stringOr(fc.Generation.Description, DefaultDescription),
			Author:             stringOr(fc.Generation.Author, DefaultAuthor),
			IncludeLiveTables:  fc.Generation.IncludeLiveTables,
		},
		LogLevel:    stringOr(fc.LogLevel, "info"),
		LogFormat:   stringOr(fc.LogFormat, "json"),
		HTTPAddress: stringOr(fc.HTTPAddress, ":8080"),
	}

	if loc := strings.TrimSpace(fc.Location); loc != "" && !contains(cfg.Locations, loc) {
		cfg.Locations = append(cfg.Locations, loc)
	}
	if len(cfg.Locations) == 0 {
		if cfg.Engine == EngineChangelog {
			cfg.Locations = []string{DefaultChangelogDir}
		} else {
			cfg.Locations = []string{DefaultSQLLocation}
		}
	}
	if cfg.ChangeLogPath == "" {
		cfg.ChangeLogPath = cfg.Generation.MasterChangelog
	}
	if cfg.Generation.OutputDir == "" {
		if cfg.Engine == EngineChangelog {
			cfg.Generation.OutputDir = DefaultChangelogDir
		} else {
			cfg.Generation.OutputDir = cfg.Locations[0]
		}
	}
	return cfg
}

// ParseEngine maps a configured engine name to an EngineType. The familiar
// tool names (flyway, liquibase) are accepted as aliases; an empty name
// selects the SQL engine.
func ParseEngine(name string) EngineType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sql", "flyway":
		return EngineSQL
	case "changelog", "liquibase":
		return EngineChangelog
	default:
		return EngineType(strings.ToLower(strings.TrimSpace(name)))
	}
}

func (c Config) Validate() error {
	if c.Engine != EngineSQL && c.Engine != EngineChangelog {
		return fmt.Errorf("%w: %q", ErrUnknownEngine, string(c.Engine))
	}
	if c.Database.Provider != "" && schema.ParseDialect(c.Database.Provider) == schema.Generic {
		return fmt.Errorf("unsupported database provider %q", c.Database.Provider)
	}
	if c.Database.Provider != "" && c.Database.DSN == "" {
		return errors.New("database.dsn is required when database.provider is set")
	}
	if err := validateLayout(c.Generation.TimestampLayout); err != nil {
		return err
	}
	if strings.TrimSpace(c.Generation.Author) == "" {
		return errors.New("generation.author must not be blank")
	}
	return nil
}

// validateLayout requires a layout that renders only digits so versions
// stay numeric and sort the same way lexicographically and by time.
func validateLayout(layout string) error {
	probe := time.Date(2001, 12, 31, 23, 59, 58, 0, time.UTC).Format(layout)
	if probe == "" {
		return errors.New("generation.timestamp_layout must not be empty")
	}
	for _, r := range probe {
		if r < '0' || r > '9' {
			return fmt.Errorf("generation.timestamp_layout %q must format to digits only, got %q", layout, probe)
		}
	}
	if len(time.Date(1, 1, 1, 1, 1, 1, 0, time.UTC).Format(layout)) != len(probe) {
		return fmt.Errorf("generation.timestamp_layout %q must be fixed width", layout)
	}
	return nil
}

// Now returns the current time in the zone selected by the generation
// config.
func (g GenerationConfig) Now() time.Time {
	if g.UTC {
		return time.Now().UTC()
	}
	return time.Now()
}

func applyEnv(fc *fileConfig) error {
	fc.Engine = getEnv("MIGRATION_ENGINE", fc.Engine)
	fc.ChangeLogPath = getEnv("MIGRATION_CHANGELOG_PATH", fc.ChangeLogPath)
	fc.ResourceRoot = getEnv("MIGRATION_RESOURCE_ROOT", fc.ResourceRoot)
	fc.Database.Provider = getEnv("MIGRATION_DB_PROVIDER", fc.Database.Provider)
	fc.Database.DSN = getEnv("MIGRATION_DB_DSN", fc.Database.DSN)
	fc.Generation.OutputDir = getEnv("MIGRATION_OUTPUT_DIR", fc.Generation.OutputDir)
	fc.LogLevel = getEnv("MIGRATION_LOG_LEVEL", fc.LogLevel)
	fc.HTTPAddress = getEnv("MIGRATION_HTTP_ADDR", fc.HTTPAddress)

	if v := os.Getenv("MIGRATION_LOCATIONS"); v != "" {
		fc.Locations = splitAndTrim(v)
	}
	if v := os.Getenv("MIGRATION_ENTITY_NAMESPACES"); v != "" {
		fc.Generation.EntityNamespaces = splitAndTrim(v)
	}
	if v := os.Getenv("MIGRATION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MIGRATION_ENABLED: %w", err)
		}
		fc.Enabled = &b
	}
	if v := os.Getenv("MIGRATION_AUTO_GENERATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MIGRATION_AUTO_GENERATE: %w", err)
		}
		fc.Generation.AutoGenerate = b
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitAndTrim(input string) []string {
	if input == "" {
		return nil
	}
	return trimAll(strings.Split(input, ","))
}

func trimAll(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
