// Package config loads the formula server configuration from CUE files.
//
// Files are validated against an embedded closed schema and applied in order,
// so a later file overrides the fields it sets. Files ending in .yaml or .yml
// are read as YAML and validated against the same schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Server is the complete server configuration.
type Server struct {
	Addr          string        `json:"addr"`
	LogLevel      string        `json:"logLevel"`
	LogFile       string        `json:"logFile"`
	LogJournal    bool          `json:"logJournal"`
	CacheSize     int           `json:"cacheSize"`
	Database      Database      `json:"database"`
	Remote        Remote        `json:"remote"`
	Observability Observability `json:"observability"`
}

// Database selects the run store backend.
type Database struct {
	Driver    string `json:"driver"`
	DSN       string `json:"dsn"`
	Retention string `json:"retention"`
	Tracing   bool   `json:"tracing"`
}

// Remote configures the Tooling API used for remote runs.
// Remote runs are disabled when Host or SessionID is empty.
type Remote struct {
	Host       string `json:"host"`
	SessionID  string `json:"sessionId"`
	APIVersion string `json:"apiVersion"`
	LogDelay   string `json:"logDelay"`
	SObject    string `json:"sobject"`
}

// Observability toggles tracing metadata and the Server-Timing header.
type Observability struct {
	ServiceName  string `json:"serviceName"`
	ServerTiming bool   `json:"serverTiming"`
	// ExpressionLimit caps step expressions on spans; negative omits them.
	ExpressionLimit int `json:"expressionLimit"`
}

// Default returns the configuration used when no file is given.
func Default() Server {
	return Server{
		Addr:      ":8080",
		LogLevel:  "info",
		CacheSize: 256,
		Database: Database{
			Driver:    "sqlite",
			DSN:       "formula.db",
			Retention: "24h",
		},
		Remote: Remote{
			APIVersion: "v62.0",
			LogDelay:   "750ms",
			SObject:    "Account",
		},
		Observability: Observability{
			ServiceName: "formula-service",
		},
	}
}

// Load reads and validates the given CUE files on top of Default.
func Load(paths ...string) (Server, error) {
	sources := make([]source, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return Default(), fmt.Errorf("config: %w", err)
		}
		sources = append(sources, source{name: path, content: content})
	}
	return build(sources)
}

// Parse validates CUE source on top of Default. The name is used in error messages.
func Parse(name string, src []byte) (Server, error) {
	return build([]source{{name: name, content: src}})
}

type source struct {
	name    string
	content []byte
}

func build(sources []source) (Server, error) {
	cfg := Default()
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return cfg, fmt.Errorf("config: schema: %w", err)
	}
	for _, src := range sources {
		if err := apply(ctx, schema, &cfg, src.content, src.name); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func apply(ctx *cue.Context, schema cue.Value, cfg *Server, src []byte, name string) error {
	value, err := compile(ctx, src, name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	if err := unified.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return nil
}

func compile(ctx *cue.Context, src []byte, name string) (cue.Value, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(src, &doc); err != nil {
			return cue.Value{}, err
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		return ctx.Encode(doc), nil
	default:
		return ctx.CompileBytes(src, cue.Filename(name)), nil
	}
}

// Validate checks the fields CUE cannot express, such as durations.
func (s Server) Validate() error {
	if _, err := s.RetentionDuration(); err != nil {
		return err
	}
	if _, err := s.LogDelayDuration(); err != nil {
		return err
	}
	if _, err := s.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// RetentionDuration parses Database.Retention. Empty means the store default.
func (s Server) RetentionDuration() (time.Duration, error) {
	return parseDuration("database.retention", s.Database.Retention)
}

// LogDelayDuration parses Remote.LogDelay, the wait between execution and log retrieval.
func (s Server) LogDelayDuration() (time.Duration, error) {
	return parseDuration("remote.logDelay", s.Remote.LogDelay)
}

// SlogLevel maps LogLevel to a slog level.
func (s Server) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: logLevel: %v", ErrInvalid, err)
	}
	return level, nil
}

// RemoteEnabled reports whether remote runs can be executed.
func (s Server) RemoteEnabled() bool {
	return s.Remote.Host != "" && s.Remote.SessionID != ""
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, field)
	}
	return d, nil
}
