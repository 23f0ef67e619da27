// Package config carries all render settings. Values come from defaults,
// an optional YAML file, then CLI flags, in that order of precedence.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Preset names a standard output geometry.
type Preset struct {
	Name   string
	Width  int
	Height int
}

var presets = map[string]Preset{
	"9:16": {Name: "9:16", Width: 1080, Height: 1920},
	"16:9": {Name: "16:9", Width: 1920, Height: 1080},
	"4:5":  {Name: "4:5", Width: 1080, Height: 1350},
}

// LookupPreset resolves a preset by name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the known presets.
func PresetNames() []string {
	return []string{"9:16", "16:9", "4:5"}
}

type Config struct {
	SourcePath   string  `yaml:"source"`
	TemplatePath string  `yaml:"template"`
	ContentPath  string  `yaml:"content"`
	OutputPath   string  `yaml:"output"`
	Preset       string  `yaml:"preset"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	FPS          float64 `yaml:"fps"`

	VideoEncoder string `yaml:"encoder"`
	Quality      int    `yaml:"quality"`

	CacheDir        string `yaml:"cacheDir"`
	CacheMaxEntries int    `yaml:"cacheMaxEntries"`
	NoCache         bool   `yaml:"noCache"`

	SeekTolerance        float64 `yaml:"seekTolerance"`
	PreSeekWindow        float64 `yaml:"preSeekWindow"`
	SeekTimeoutSeconds   float64 `yaml:"seekTimeoutSeconds"`
	RenderTimeoutSeconds float64 `yaml:"renderTimeoutSeconds"`

	WorkDir      string `yaml:"workDir"`
	Verbose      bool   `yaml:"verbose"`
	ShowStats    bool   `yaml:"showStats"`
	ListenAddr   string `yaml:"listenAddr"`
	BuildVersion string `yaml:"-"`
}

// SeekTimeout is how long a source seek may wait for its first frame.
func (c *Config) SeekTimeout() time.Duration {
	return time.Duration(c.SeekTimeoutSeconds * float64(time.Second))
}

// RenderTimeout is the wall-clock bound on one final generation.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutSeconds * float64(time.Second))
}

// Default returns the baseline configuration: vertical 9:16 at 30 fps.
func Default() *Config {
	return &Config{
		OutputPath:      "output.mp4",
		Preset:          "9:16",
		Width:           1080,
		Height:          1920,
		FPS:             30,
		Quality:         0, // resolved per encoder at startup
		CacheDir:             ".reelforge-cache",
		CacheMaxEntries:      10,
		SeekTimeoutSeconds:   2,
		RenderTimeoutSeconds: 600,
		WorkDir:              os.TempDir(),
		ListenAddr:           ":8080",
	}
}

// Load overlays the YAML file at path onto defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ApplyPreset overwrites the geometry from the named preset. Explicit
// width/height flags should be applied after this.
func (c *Config) ApplyPreset(name string) error {
	p, ok := LookupPreset(name)
	if !ok {
		return errors.Errorf("unknown preset %q (known: %v)", name, PresetNames())
	}
	c.Preset = p.Name
	c.Width = p.Width
	c.Height = p.Height
	return nil
}

func (c *Config) Validate() error {
	if c.TemplatePath == "" {
		return errors.New("template path is required")
	}
	if c.SourcePath == "" {
		return errors.New("source path is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("invalid geometry %dx%d", c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return errors.Errorf("geometry %dx%d must be even for yuv420p", c.Width, c.Height)
	}
	if c.FPS <= 0 || c.FPS > 120 {
		return errors.Errorf("fps %g out of range (0, 120]", c.FPS)
	}
	if c.Quality < 0 || c.Quality > 100 {
		return errors.Errorf("quality %d out of range [0, 100]", c.Quality)
	}
	if c.CacheMaxEntries < 0 {
		return errors.New("cacheMaxEntries must not be negative")
	}
	return nil
}

// FrameBytes is the RGBA size of one output frame, used for memory-aware
// worker budgeting.
func (c *Config) FrameBytes() uint64 {
	return uint64(c.Width) * uint64(c.Height) * 4
}
