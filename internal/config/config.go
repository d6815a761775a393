// Package config assembles a Config from the environment variables that
// gate LFSC connectivity, optionally overlaid by an on-disk YAML file that
// ships host-chosen defaults for the runtime-tunable pragma knobs, so a
// deployment doesn't have to rely solely on pragmas issued after open.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the connection parameters read from the environment plus
// whatever pragma defaults the optional overlay file supplied. A
// runtime-tunable field left at its zero value means "use the component's
// own built-in default" — Load never invents one itself.
type Config struct {
	CloudToken   string
	CloudCluster string
	CloudHost    string
	CacheDir     string
	LogFile      string

	MinAvailableSpace int64
	MaxCachedPages    int64
	MaxReqsPerQuery   int
	CacheSyncPeriod   time.Duration
	MaxPrefetchPages  int
}

// Load reads the LITEFS_CLOUD_TOKEN / LITEFS_CLOUD_CLUSTER /
// LITEFS_CLOUD_HOST / LITEVFS_CACHE_DIR / LITEVFS_LOG_FILE environment
// variables, then overlays overridePath's YAML pragma defaults if
// overridePath is non-empty and the file exists. A missing overlay file is
// not an error; a malformed one is.
func Load(overridePath string) (Config, error) {
	c := Config{
		CloudToken:   os.Getenv("LITEFS_CLOUD_TOKEN"),
		CloudCluster: os.Getenv("LITEFS_CLOUD_CLUSTER"),
		CloudHost:    os.Getenv("LITEFS_CLOUD_HOST"),
		CacheDir:     os.Getenv("LITEVFS_CACHE_DIR"),
		LogFile:      os.Getenv("LITEVFS_LOG_FILE"),
	}
	if c.CloudToken == "" {
		return c, fmt.Errorf("config: LITEFS_CLOUD_TOKEN is required")
	}

	if overridePath == "" {
		return c, nil
	}
	if err := applyOverlay(&c, overridePath); err != nil {
		return c, err
	}
	return c, nil
}

// pragmaOverlay mirrors the external pragma names verbatim, so the file
// format needs no translation layer between what it sets and what an
// operator would otherwise PRAGMA at runtime. Pointer fields distinguish
// "absent from the file" from "set to zero".
type pragmaOverlay struct {
	MinAvailableSpace *int64  `yaml:"litevfs_min_available_space"`
	MaxCachedPages    *int64  `yaml:"litevfs_max_cached_pages"`
	MaxReqsPerQuery   *int    `yaml:"litevfs_max_reqs_per_query"`
	CacheSyncPeriod   *string `yaml:"litevfs_cache_sync_period"`
	MaxPrefetchPages  *int    `yaml:"litevfs_max_prefetch_pages"`
}

func applyOverlay(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay pragmaOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.MinAvailableSpace != nil {
		c.MinAvailableSpace = *overlay.MinAvailableSpace
	}
	if overlay.MaxCachedPages != nil {
		c.MaxCachedPages = *overlay.MaxCachedPages
	}
	if overlay.MaxReqsPerQuery != nil {
		c.MaxReqsPerQuery = clampInt(*overlay.MaxReqsPerQuery, 1024)
	}
	if overlay.CacheSyncPeriod != nil {
		d, err := parsePeriod(*overlay.CacheSyncPeriod)
		if err != nil {
			return fmt.Errorf("config: %s: litevfs_cache_sync_period: %w", path, err)
		}
		c.CacheSyncPeriod = d
	}
	if overlay.MaxPrefetchPages != nil {
		c.MaxPrefetchPages = clampInt(*overlay.MaxPrefetchPages, 128)
	}
	return nil
}

func clampInt(n, max int) int {
	if n > max {
		return max
	}
	return n
}

// parsePeriod accepts a bare integer (seconds) or a Go duration string, per
// the pragma table's "integer ⇒ seconds, else human-readable" rule.
func parsePeriod(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}
