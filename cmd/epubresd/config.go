package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/simp-lee/epubres"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the TCP address of the HTTP server. Defaults to 127.0.0.1:8088.
	Listen string `yaml:"listen"`

	// Prefix is the URL prefix of intercepted requests. Defaults to "/___".
	Prefix string `yaml:"prefix"`

	// Generation tags cache entries. Changing it discards the previous cache
	// contents on startup.
	Generation string `yaml:"generation"`

	// CacheDir is the directory of the persistent cache. When empty, entries
	// are cached in memory.
	CacheDir string `yaml:"cache_dir"`

	// CachePattern restricts caching to matching entry paths. "media" selects
	// epubres.MediaCachePattern; any other value is a regular expression.
	// When empty, every entry is cached.
	CachePattern string `yaml:"cache_pattern"`

	// LogLevel is a logrus level name. Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// Admin enables the /bundles registration endpoints.
	Admin bool `yaml:"admin"`

	// Books are registered at startup.
	Books []BookConfig `yaml:"books"`
}

// BookConfig describes one preloaded book.
type BookConfig struct {
	// ID overrides the bundle ID derived from the locator.
	ID string `yaml:"id"`

	// Path is a local EPUB file. Exactly one of Path and URL is set.
	Path string `yaml:"path"`

	// URL is a remote EPUB fetched with Range requests.
	URL string `yaml:"url"`

	// Passphrase unlocks an LCP protected book.
	Passphrase string `yaml:"passphrase"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:     "127.0.0.1:8088",
		Prefix:     epubres.DefaultPrefix,
		Generation: epubres.DefaultGeneration,
		LogLevel:   "info",
	}
}

// LoadConfig reads a YAML configuration file. Missing fields keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if c.Generation == "" {
		return errors.New("generation is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := c.cachePattern(); err != nil {
		return err
	}
	for i, b := range c.Books {
		switch {
		case b.Path == "" && b.URL == "":
			return fmt.Errorf("books[%d]: one of path or url is required", i)
		case b.Path != "" && b.URL != "":
			return fmt.Errorf("books[%d]: path and url are mutually exclusive", i)
		}
	}
	return nil
}

// cachePattern compiles CachePattern. It returns nil when every entry is
// cached.
func (c *Config) cachePattern() (*regexp.Regexp, error) {
	switch c.CachePattern {
	case "":
		return nil, nil
	case "media":
		return epubres.MediaCachePattern, nil
	}
	re, err := regexp.Compile(c.CachePattern)
	if err != nil {
		return nil, fmt.Errorf("cache_pattern: %w", err)
	}
	return re, nil
}

// flagValues holds command-line overrides.
type flagValues struct {
	configPath string
	listen     string
	prefix     string
	generation string
	cacheDir   string
	cachePat   string
	logLevel   string
	admin      bool
}

func (f *flagValues) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "path to YAML config file")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&f.prefix, "prefix", "", "URL prefix of intercepted requests (overrides config)")
	fs.StringVar(&f.generation, "generation", "", "cache generation (overrides config)")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "persistent cache directory (overrides config)")
	fs.StringVar(&f.cachePat, "cache-pattern", "", `cache only matching entry paths; "media" for static media (overrides config)`)
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	fs.BoolVar(&f.admin, "admin", false, "enable the /bundles registration endpoints")
}

// resolveConfig loads the config file, if any, and applies the flags that
// were set explicitly.
func resolveConfig(fs *pflag.FlagSet, f *flagValues) (*Config, error) {
	cfg := defaultConfig()
	if f.configPath != "" {
		loaded, err := LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("prefix") {
		cfg.Prefix = f.prefix
	}
	if fs.Changed("generation") {
		cfg.Generation = f.generation
	}
	if fs.Changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if fs.Changed("cache-pattern") {
		cfg.CachePattern = f.cachePat
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("admin") {
		cfg.Admin = f.admin
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
