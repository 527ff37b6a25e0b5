// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package config loads the ambient configuration for the neve command
// line tools: the store and build directories, cache descriptors, and
// the preferred sandbox backend.
//
// Configuration is assembled in three layers, lowest priority first:
// built-in defaults, then HuJSON/JSON config files (merged in the
// order given), then environment variables.
package config

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"

	"neve.256lights.llc/substrate/storepath"
)

// CacheDescriptor describes one binary cache backend to wire up.
type CacheDescriptor struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "local" or "http"
	Location string `json:"location"`
	Priority int    `json:"priority"`
	Writable bool   `json:"writable"`
}

// Config is the merged configuration for a neve invocation.
type Config struct {
	Debug          bool                `json:"debug"`
	StoreDir       storepath.Directory `json:"storeDirectory"`
	BuildDir       string              `json:"buildDirectory"`
	SandboxBackend string              `json:"sandboxBackend"` // "native", "container", "simple", or "" for auto
	Caches         []CacheDescriptor   `json:"caches"`
}

// Default returns the built-in configuration, before any file or
// environment overrides are merged in.
func Default() *Config {
	dir := defaultVarDir()
	return &Config{
		StoreDir: storepath.Directory("/neve/store"),
		BuildDir: filepath.Join(dir, "build"),
	}
}

// Load merges the default configuration, every file in paths (in
// order, skipping files that do not exist), and then environment
// variables, matching the teacher's merge-from-files-then-environment
// layering.
func Load(paths iter.Seq[string]) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFiles(paths); err != nil {
		return nil, err
	}
	if err := cfg.mergeEnvironment(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (c *Config) mergeEnvironment() error {
	if dir := os.Getenv("NEVE_STORE_DIR"); dir != "" {
		d, err := storepath.CleanDirectory(dir)
		if err != nil {
			return fmt.Errorf("NEVE_STORE_DIR: %v", err)
		}
		c.StoreDir = d
	}
	if dir := os.Getenv("NEVE_BUILD_DIR"); dir != "" {
		c.BuildDir = dir
	}
	if backend := os.Getenv("NEVE_SANDBOX_BACKEND"); backend != "" {
		c.SandboxBackend = backend
	}
	return nil
}

func (c *Config) validate() error {
	if !filepath.IsAbs(string(c.StoreDir)) {
		return fmt.Errorf("config: store directory %q is not absolute", c.StoreDir)
	}
	if c.BuildDir == "" {
		return errors.New("config: build directory not set")
	}
	return nil
}

// UnmarshalJSONFrom merges the JSON object read from in into c,
// leaving fields absent from the object untouched. This is what lets
// mergeFiles layer several config files on top of each other instead
// of each one replacing the last wholesale.
func (c *Config) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object, not a %v", got)
	}
	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
		default:
			return fmt.Errorf("unexpected non-string key (%v) in config object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &c.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "storeDirectory":
			if err := jsonv2.UnmarshalDecode(in, &c.StoreDir); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
		case "buildDirectory":
			if err := jsonv2.UnmarshalDecode(in, &c.BuildDir); err != nil {
				return fmt.Errorf("unmarshal config.buildDirectory: %w", err)
			}
		case "sandboxBackend":
			if err := jsonv2.UnmarshalDecode(in, &c.SandboxBackend); err != nil {
				return fmt.Errorf("unmarshal config.sandboxBackend: %w", err)
			}
		case "caches":
			newCaches := c.Caches[len(c.Caches):]
			if err := jsonv2.UnmarshalDecode(in, &newCaches); err != nil {
				return fmt.Errorf("unmarshal config.caches: %w", err)
			}
			c.Caches = append(c.Caches, newCaches...)
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
		}
	}
}

// defaultVarDir returns "/opt/neve/var/neve" on Unix-like systems.
func defaultVarDir() string {
	return filepath.Join("/opt", "neve", "var", "neve")
}
