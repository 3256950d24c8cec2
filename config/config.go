// Package config reads the YAML run description of a fitting job.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/binzume/dressfit/fitting"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/stdbone"
	"gopkg.in/yaml.v2"
)

const DefaultThumbnailSize = 256

type Config struct {
	Character string `yaml:"character"`
	Dress     string `yaml:"dress"`
	Motion    string `yaml:"motion"`
	Output    string `yaml:"output"`

	Preview       string `yaml:"preview"`
	Thumbnail     string `yaml:"thumbnail"`
	ThumbnailSize int    `yaml:"thumbnail_size"`
	SaveMotion    string `yaml:"save_motion"`

	LogLevel  string  `yaml:"log_level"`
	IKDamping float64 `yaml:"ik_damping"`

	Materials   Materials   `yaml:"materials"`
	Adjustments Adjustments `yaml:"adjustments"`
}

// Materials holds alphas by material name. 0 hides a material.
type Materials struct {
	Character map[string]float64 `yaml:"character"`
	Dress     map[string]float64 `yaml:"dress"`
}

// Adjustments holds per group vectors. A single value applies to all axes.
type Adjustments struct {
	Scale       map[string][]float64 `yaml:"scale"`
	Rotation    map[string][]float64 `yaml:"rotation"`
	Translation map[string][]float64 `yaml:"translation"`
}

// Flags are command line values. Empty values keep the file settings.
type Flags struct {
	Character string
	Dress     string
	Motion    string
	Output    string
	Preview   string
	Thumbnail string
	Verbose   bool
}

// Load reads a YAML config file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validateValues(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve applies flags over c and fills defaults.
func (c *Config) Resolve(flags Flags) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.Character, flags.Character)
	override(&c.Dress, flags.Dress)
	override(&c.Motion, flags.Motion)
	override(&c.Output, flags.Output)
	override(&c.Preview, flags.Preview)
	override(&c.Thumbnail, flags.Thumbnail)
	if flags.Verbose {
		c.LogLevel = "debug"
	}

	if c.Output == "" && c.Character != "" && c.Dress != "" {
		c.Output = DefaultOutput(c.Character, c.Dress)
	}
	if c.ThumbnailSize == 0 {
		c.ThumbnailSize = DefaultThumbnailSize
	}
}

// DefaultOutput names the merged model after both inputs, next to the character.
func DefaultOutput(character, dress string) string {
	base := func(p string) string {
		b := filepath.Base(p)
		return strings.TrimSuffix(b, filepath.Ext(b))
	}
	return filepath.Join(filepath.Dir(character), base(character)+"_"+base(dress)+".pmx")
}

// Validate checks a resolved config.
func (c *Config) Validate() error {
	var missing []string
	if c.Character == "" {
		missing = append(missing, "character")
	}
	if c.Dress == "" {
		missing = append(missing, "dress")
	}
	if c.Output == "" {
		missing = append(missing, "output")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return c.validateValues()
}

func (c *Config) validateValues() error {
	var errs []error
	checkAlphas := func(model string, alphas map[string]float64) {
		for _, name := range sortedKeys(alphas) {
			if a := alphas[name]; a < 0 || a > 1 {
				errs = append(errs, fmt.Errorf("materials.%s.%s: alpha %v out of [0,1]", model, name, a))
			}
		}
	}
	checkAlphas("character", c.Materials.Character)
	checkAlphas("dress", c.Materials.Dress)

	checkGroups := func(kind string, m map[string][]float64) {
		for _, name := range sortedKeys(m) {
			if stdbone.LookupGroup(name) == nil {
				errs = append(errs, fmt.Errorf("adjustments.%s: unknown group %q", kind, name))
			}
			if n := len(m[name]); n != 1 && n != 3 {
				errs = append(errs, fmt.Errorf("adjustments.%s.%s: want 1 or 3 values, got %d", kind, name, n))
			}
		}
	}
	checkGroups("scale", c.Adjustments.Scale)
	checkGroups("rotation", c.Adjustments.Rotation)
	checkGroups("translation", c.Adjustments.Translation)

	if c.LogLevel != "" {
		if _, err := ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}
	if c.IKDamping < 0 || c.IKDamping > 1 {
		errs = append(errs, fmt.Errorf("ik_damping: %v out of [0,1]", c.IKDamping))
	}
	if c.ThumbnailSize < 0 {
		errs = append(errs, fmt.Errorf("thumbnail_size: %d", c.ThumbnailSize))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Level returns the configured log level, Info by default.
func (c *Config) Level() slog.Level {
	if c.LogLevel == "" {
		return slog.LevelInfo
	}
	l, _ := ParseLevel(c.LogLevel)
	return l
}

func vectors(m map[string][]float64) map[string]*geom.Vector3 {
	if len(m) == 0 {
		return nil
	}
	r := make(map[string]*geom.Vector3, len(m))
	for name, v := range m {
		switch len(v) {
		case 1:
			r[name] = &geom.Vector3{X: v[0], Y: v[0], Z: v[0]}
		case 3:
			r[name] = &geom.Vector3{X: v[0], Y: v[1], Z: v[2]}
		}
	}
	return r
}

// Options converts c into pipeline options.
func (c *Config) Options(logger *slog.Logger, progress fitting.ProgressFunc) *fitting.Options {
	return &fitting.Options{
		CharacterPath:   c.Character,
		DressPath:       c.Dress,
		MotionPath:      c.Motion,
		OutputPath:      c.Output,
		CharacterAlphas: c.Materials.Character,
		DressAlphas:     c.Materials.Dress,
		Scale:           vectors(c.Adjustments.Scale),
		Rotation:        vectors(c.Adjustments.Rotation),
		Translation:     vectors(c.Adjustments.Translation),
		IKDamping:       c.IKDamping,
		Logger:          logger,
		Progress:        progress,
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
