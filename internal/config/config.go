// Package config loads the symq configuration from YAML and environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"symq/internal/disasm"
	"symq/internal/provider/symdir"
	"symq/internal/query"
)

// Config is the full configuration of the symq server and CLI.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server" jsonschema:"title=Server,description=HTTP listener settings"`
	Query   QueryConfig   `yaml:"query" json:"query" jsonschema:"title=Query,description=Per-request limits"`
	Symbols SymbolsConfig `yaml:"symbols" json:"symbols" jsonschema:"title=Symbols,description=Where debug files and sources are found"`
	Log     LogConfig     `yaml:"log" json:"log" jsonschema:"title=Log"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen" env:"SYMQ_LISTEN" jsonschema:"title=Listen Address,description=host:port to serve HTTP on,default=127.0.0.1:3000"`
	// MaxBodyBytes limits the size of a request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty" json:"max_body_bytes,omitempty" env:"SYMQ_MAX_BODY_BYTES" jsonschema:"title=Max Body Bytes,minimum=1"`
}

type QueryConfig struct {
	Timeout              time.Duration `yaml:"timeout" json:"timeout" env:"SYMQ_TIMEOUT" jsonschema:"title=Timeout,description=Deadline of one request"`
	MaxConcurrency       int           `yaml:"max_concurrency" json:"max_concurrency" env:"SYMQ_MAX_CONCURRENCY" jsonschema:"title=Max Concurrency,description=Modules resolved in parallel,minimum=1"`
	MaxDisassembleLength uint64        `yaml:"max_disassemble_length" json:"max_disassemble_length" env:"SYMQ_MAX_DISASSEMBLE_LENGTH" jsonschema:"title=Max Disassemble Length,minimum=1"`
	DefaultSyntax        string        `yaml:"default_syntax" json:"default_syntax" env:"SYMQ_DEFAULT_SYNTAX" jsonschema:"title=Default Syntax,enum=intel,enum=att"`
}

type SymbolsConfig struct {
	Dirs        []string `yaml:"dirs" json:"dirs" env:"SYMQ_SYMBOL_DIRS" jsonschema:"title=Symbol Directories"`
	SourceRoots []string `yaml:"source_roots,omitempty" json:"source_roots,omitempty" env:"SYMQ_SOURCE_ROOTS" jsonschema:"title=Source Roots"`
	CacheSize   int      `yaml:"cache_size" json:"cache_size" env:"SYMQ_CACHE_SIZE" jsonschema:"title=Cache Size,description=Open modules kept in memory,minimum=1"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level" env:"SYMQ_LOG_LEVEL" jsonschema:"title=Level,enum=debug,enum=info,enum=warn,enum=error"`
	File  string `yaml:"file,omitempty" json:"file,omitempty" env:"SYMQ_LOG_FILE" jsonschema:"title=Log File"`
}

const DefaultMaxBodyBytes = 8 << 20

// Default returns the configuration used when no file or variable overrides
// a value.
func Default() *Config {
	q := query.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:       "127.0.0.1:3000",
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Query: QueryConfig{
			Timeout:              q.Timeout,
			MaxConcurrency:       q.MaxConcurrency,
			MaxDisassembleLength: q.MaxDisassembleLength,
			DefaultSyntax:        q.DefaultSyntax.String(),
		},
		Symbols: SymbolsConfig{CacheSize: symdir.DefaultCacheSize},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path from fsys (when path is not empty) over the defaults,
// applies environment overrides and validates the result. A missing file is
// an error.
func Load(fsys afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Server.Listen == "" {
		errs = multierror.Append(errs, errors.New("server.listen must not be empty"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes))
	}
	if _, err := disasm.ParseSyntax(c.Query.DefaultSyntax); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("query.default_syntax: %w", err))
	}
	if c.Symbols.CacheSize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("symbols.cache_size must be at least 1, got %d", c.Symbols.CacheSize))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if qc, err := c.queryConfig(); err == nil {
		if err := qc.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Config) queryConfig() (query.Config, error) {
	syntax, err := disasm.ParseSyntax(c.Query.DefaultSyntax)
	if err != nil {
		return query.Config{}, err
	}
	return query.Config{
		Timeout:              c.Query.Timeout,
		MaxConcurrency:       c.Query.MaxConcurrency,
		MaxDisassembleLength: c.Query.MaxDisassembleLength,
		DefaultSyntax:        syntax,
	}, nil
}

// QueryConfig returns the dispatcher limits.
func (c *Config) QueryConfig() (query.Config, error) {
	qc, err := c.queryConfig()
	if err != nil {
		return qc, err
	}
	return qc, qc.Validate()
}

// SymdirConfig returns the provider settings, reading files through fsys.
func (c *Config) SymdirConfig(fsys afero.Fs) symdir.Config {
	return symdir.Config{
		Dirs:        c.Symbols.Dirs,
		SourceRoots: c.Symbols.SourceRoots,
		CacheSize:   c.Symbols.CacheSize,
		Fs:          fsys,
	}
}
