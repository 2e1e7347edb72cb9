package config

import (
	"fmt"

	"github.com/meigma/gamecache"
)

// Config holds the command line configuration.
type Config struct {
	// Dir is the cache directory.
	Dir string `mapstructure:"dir"`

	// ReadOnly opens the cache without write access.
	ReadOnly bool `mapstructure:"read_only"`

	// Layout selects the block file layout of a new cache ("per-index" or
	// "shared"). Existing caches keep their layout.
	Layout string `mapstructure:"layout"`

	// Compression is the codec for written archives
	// (none, bzip2, gzip, lzma, auto).
	Compression string `mapstructure:"compression"`

	// KeysFile is a JSON key dump with one {"archive", "group", "key"}
	// object per encrypted archive.
	KeysFile string `mapstructure:"keys_file"`

	Verify       bool   `mapstructure:"verify"`
	LogLevel     string `mapstructure:"log_level"`
	LogOutputDir string `mapstructure:"log_output_dir"`
}

// ParseLayout converts the configured layout name.
func (c *Config) ParseLayout() (gamecache.Layout, error) {
	switch c.Layout {
	case "", "per-index":
		return gamecache.LayoutPerIndex, nil
	case "shared":
		return gamecache.LayoutShared, nil
	default:
		return 0, fmt.Errorf("unknown layout %q (want per-index or shared)", c.Layout)
	}
}
