package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "10s", "1m30s" in files and env.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// SizeBytes is a byte count written as "512", "64KiB", "1MB".
type SizeBytes int64

// Int64 returns the value in bytes.
func (s SizeBytes) Int64() int64 { return int64(s) }

func (s *SizeBytes) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = SizeBytes(v)
	return nil
}

func (s SizeBytes) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	return s.UnmarshalText([]byte(node.Value))
}

func (s SizeBytes) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s SizeBytes) String() string {
	return humanize.IBytes(uint64(s))
}
