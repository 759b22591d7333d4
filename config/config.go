// Package config loads server configuration from defaults, an optional YAML
// file, a .env file and FASTCORE_* environment variables, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/searchktools/fastcore/core/compress"
)

// EnvPrefix prefixes environment overrides: FASTCORE_SERVER_PORT=9000.
const EnvPrefix = "FASTCORE"

// Config holds all application configuration.
type Config struct {
	Env         string            `yaml:"env" config:"env"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Compression CompressionConfig `yaml:"compression"`
	CORS        CORSConfig        `yaml:"cors"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	HTTP2       HTTP2Config       `yaml:"http2"`
	Static      StaticConfig      `yaml:"static"`
}

type ServerConfig struct {
	Host            string    `yaml:"host" config:"host"`
	Port            int       `yaml:"port" config:"port"`
	ReadTimeout     Duration  `yaml:"read_timeout" config:"read_timeout"`
	WriteTimeout    Duration  `yaml:"write_timeout" config:"write_timeout"`
	IdleTimeout     Duration  `yaml:"idle_timeout" config:"idle_timeout"`
	ShutdownTimeout Duration  `yaml:"shutdown_timeout" config:"shutdown_timeout"`
	MaxHeaderBytes  SizeBytes `yaml:"max_header_bytes" config:"max_header_bytes"`
	MaxBodyBytes    SizeBytes `yaml:"max_body_bytes" config:"max_body_bytes"`
	ReusePort       bool      `yaml:"reuse_port" config:"reuse_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" config:"level"`
	Format string `yaml:"format" config:"format"`
}

type CompressionConfig struct {
	Enabled   bool      `yaml:"enabled" config:"enabled"`
	Encodings []string  `yaml:"encodings" config:"encodings"`
	MinSize   SizeBytes `yaml:"min_size" config:"min_size"`
	Level     int       `yaml:"level" config:"level"`
	Stream    bool      `yaml:"stream" config:"stream"`
}

type CORSConfig struct {
	Enabled     bool     `yaml:"enabled" config:"enabled"`
	Origins     []string `yaml:"origins" config:"origins"`
	Methods     []string `yaml:"methods" config:"methods"`
	Headers     []string `yaml:"headers" config:"headers"`
	Credentials bool     `yaml:"credentials" config:"credentials"`
	MaxAge      Duration `yaml:"max_age" config:"max_age"`
}

type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled" config:"enabled"`
	Burst     int     `yaml:"burst" config:"burst"`
	PerSecond float64 `yaml:"per_second" config:"per_second"`
}

type IdempotencyConfig struct {
	Enabled bool     `yaml:"enabled" config:"enabled"`
	Header  string   `yaml:"header" config:"header"`
	TTL     Duration `yaml:"ttl" config:"ttl"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" config:"enabled"`
	Path      string `yaml:"path" config:"path"`
	Namespace string `yaml:"namespace" config:"namespace"`
}

// HTTP2Config runs an additional h2c listener for the same routes.
type HTTP2Config struct {
	Enabled              bool `yaml:"enabled" config:"enabled"`
	Port                 int  `yaml:"port" config:"port"`
	MaxConcurrentStreams int  `yaml:"max_concurrent_streams" config:"max_concurrent_streams"`
}

// StaticConfig serves Dir under the URL prefix Prefix.
type StaticConfig struct {
	Dir    string `yaml:"dir" config:"dir"`
	Prefix string `yaml:"prefix" config:"prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    4 << 20,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Compression: CompressionConfig{
			Enabled:   true,
			Encodings: []string{"br", "gzip", "deflate"},
			MinSize:   1024,
			Level:     5,
		},
		CORS: CORSConfig{
			Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			MaxAge:  Duration(time.Hour),
		},
		RateLimit:   RateLimitConfig{Burst: 60, PerSecond: 60},
		Idempotency: IdempotencyConfig{Header: "Idempotency-Key", TTL: Duration(30 * time.Second)},
		Metrics:     MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "fastcore"},
		HTTP2:       HTTP2Config{Port: 8443, MaxConcurrentStreams: 250},
		Static:      StaticConfig{Prefix: "/static"},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	m := NewManager()
	m.LoadFromEnv(EnvPrefix)
	if err := cfg.apply(m); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply copies manager overrides onto cfg, one section at a time.
func (c *Config) apply(m *Manager) error {
	if env := m.GetString("env"); env != "" {
		c.Env = env
	}
	sections := []struct {
		name   string
		target any
	}{
		{"server", &c.Server},
		{"log", &c.Log},
		{"compression", &c.Compression},
		{"cors", &c.CORS},
		{"ratelimit", &c.RateLimit},
		{"idempotency", &c.Idempotency},
		{"metrics", &c.Metrics},
		{"http2", &c.HTTP2},
		{"static", &c.Static},
	}
	for _, s := range sections {
		if err := m.Unmarshal(s.name, s.target); err != nil {
			return fmt.Errorf("env override: %w", err)
		}
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.HTTP2.Enabled && (c.HTTP2.Port <= 0 || c.HTTP2.Port > 65535 || c.HTTP2.Port == c.Server.Port) {
		errs = append(errs, fmt.Errorf("http2.port %d must be a free port other than server.port", c.HTTP2.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.Server.MaxHeaderBytes <= 0 {
		errs = append(errs, errors.New("server.max_header_bytes must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0) {
		errs = append(errs, errors.New("ratelimit.burst and ratelimit.per_second must be positive"))
	}
	for _, e := range c.Compression.Encodings {
		if _, ok := compress.ParseEncoding(e); !ok {
			errs = append(errs, fmt.Errorf("compression: unknown encoding %q", e))
		}
	}
	switch c.Log.Format {
	case "", "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP/1.1 listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// HTTP2Addr is the h2c listen address.
func (c *Config) HTTP2Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.HTTP2.Port))
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CompressConfig translates the section into compress.Config.
func (c *Config) CompressConfig() compress.Config {
	out := compress.DefaultConfig()
	out.Enabled = out.Enabled[:0]
	for _, e := range c.Compression.Encodings {
		if enc, ok := compress.ParseEncoding(e); ok {
			out.Enabled = append(out.Enabled, enc)
		}
	}
	out.MinSize = int(c.Compression.MinSize)
	if c.Compression.Level > 0 {
		out.GzipLevel = c.Compression.Level
		out.BrotliLevel = c.Compression.Level
		out.DeflateLevel = c.Compression.Level
		out.ZstdLevel = c.Compression.Level
	}
	out.Stream = c.Compression.Stream
	return out
}

// ParseFlags parses -config and -port from args (os.Args[1:] in main) and
// loads the configuration. A -port flag wins over every other source.
func ParseFlags(args []string) (*Config, error) {
	flags := flag.NewFlagSet("fastcore", flag.ContinueOnError)
	path := flags.String("config", "", "path to a YAML config file")
	port := flags.Int("port", 0, "HTTP server port")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}
	if *port != 0 {
		cfg.Server.Port = *port
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
