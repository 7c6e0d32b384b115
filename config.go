package cadr

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/cadrgo/cadr/data"
)

// Config holds the options recognized at Renderer construction.
type Config struct {
	// BufferSizeList is the small/medium/large memory-tier byte sizes
	// used by the data and image storages.
	BufferSizeList data.SizeList

	// MaxTextures bounds the texture descriptor array size.
	MaxTextures int

	// OptimizationLevels is the list of flag bit-sets controlling
	// attribute/material/light/texture uberization; it is carried
	// through to pipeline construction and is opaque to the core.
	OptimizationLevels []uint32

	// DriverName selects a registered driver by substring; empty
	// matches any.
	DriverName string
}

// DefaultConfig returns the defaults: 64 KiB / 2 MiB / 32 MiB tiers
// and 250 000 textures.
func DefaultConfig() Config {
	return Config{
		BufferSizeList: data.DefaultSizeList(),
		MaxTextures:    250_000,
	}
}

// tomlConfig is the on-disk shape consumed by LoadConfig.
type tomlConfig struct {
	Buffers struct {
		Small  int64 `toml:"small"`
		Medium int64 `toml:"medium"`
		Large  int64 `toml:"large"`
	} `toml:"buffers"`
	Textures struct {
		Max int `toml:"max"`
	} `toml:"textures"`
	Optimization struct {
		Levels []uint32 `toml:"levels"`
	} `toml:"optimization"`
	Driver struct {
		Name string `toml:"name"`
	} `toml:"driver"`
}

// LoadConfig reads a TOML file into a Config. Absent tables keep their
// DefaultConfig values, so a file may override only the sizes it cares
// about.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	var t tomlConfig
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Config{}, errors.Wrap(err, "cadr: load config")
	}
	if t.Buffers.Small > 0 {
		c.BufferSizeList.Small = t.Buffers.Small
	}
	if t.Buffers.Medium > 0 {
		c.BufferSizeList.Medium = t.Buffers.Medium
	}
	if t.Buffers.Large > 0 {
		c.BufferSizeList.Large = t.Buffers.Large
	}
	if t.Textures.Max > 0 {
		c.MaxTextures = t.Textures.Max
	}
	if t.Optimization.Levels != nil {
		c.OptimizationLevels = t.Optimization.Levels
	}
	c.DriverName = t.Driver.Name
	return c, nil
}
