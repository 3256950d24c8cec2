package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/binzume/dressfit/geom"
	"github.com/kr/pretty"
)

const testConfig = `
character: models/miku.pmx
dress: dress/maid.pmx
motion: pose.vmd
preview: out/preview.glb
log_level: warn
materials:
  character:
    body: 0
    face: 1
  dress:
    ribbon: 0.5
adjustments:
  scale:
    頭: [1.1]
    足: [1, 1.2, 1]
  rotation:
    肩: [0, 0, 10]
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Character != "models/miku.pmx" || cfg.Dress != "dress/maid.pmx" || cfg.Motion != "pose.vmd" {
		t.Error("paths", cfg.Character, cfg.Dress, cfg.Motion)
	}
	if cfg.Materials.Character["body"] != 0 || cfg.Materials.Dress["ribbon"] != 0.5 {
		t.Error("materials", cfg.Materials)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Error("level", cfg.Level())
	}

	cfg.Resolve(Flags{Dress: "other.pmx"})
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Dress != "other.pmx" {
		t.Error("flag override", cfg.Dress)
	}
	if cfg.Output != filepath.Join("models", "miku_other.pmx") {
		t.Error("default output", cfg.Output)
	}
	if cfg.ThumbnailSize != DefaultThumbnailSize {
		t.Error("thumbnail size", cfg.ThumbnailSize)
	}

	opt := cfg.Options(nil, nil)
	want := map[string]*geom.Vector3{
		"頭": {X: 1.1, Y: 1.1, Z: 1.1},
		"足": {X: 1, Y: 1.2, Z: 1},
	}
	if diff := pretty.Diff(opt.Scale, want); len(diff) > 0 {
		t.Error("scale", diff)
	}
	if opt.Rotation["肩"].Z != 10 || opt.Translation != nil {
		t.Error("rotation", opt.Rotation, opt.Translation)
	}
	if opt.DressAlphas["ribbon"] != 0.5 || opt.OutputPath != cfg.Output {
		t.Error("options", opt)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"alpha":   "materials:\n  dress:\n    ribbon: 1.5\n",
		"group":   "adjustments:\n  scale:\n    尻尾: [1]\n",
		"vector":  "adjustments:\n  translation:\n    頭: [1, 2]\n",
		"level":   "log_level: loud\n",
		"unknown": "charactr: a.pmx\n",
		"damping": "ik_damping: 2\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Error(name, "accepted")
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.Resolve(Flags{Verbose: true})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "character, dress, output") {
		t.Error("missing paths", err)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Error("verbose", cfg.Level())
	}

	cfg.Resolve(Flags{Character: "a.pmx", Dress: "b.pmx", Output: "out/c.pmx"})
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
	if cfg.Output != "out/c.pmx" {
		t.Error("output", cfg.Output)
	}
}
