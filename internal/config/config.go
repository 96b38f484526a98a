// Package config loads the on-disk defaults file a deployed provider reads
// once at startup, so an RPC Init call doesn't need to repeat tool paths and
// the db path on every request (spec §4.6, §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults holds the subset of api.Config that is reasonable to pin for a
// whole deployment rather than pass per Init call.
type Defaults struct {
	ResolverPath   string `yaml:"resolver_path"`
	DecompilerPath string `yaml:"decompiler_path"`
	DBPath         string `yaml:"db_path"`
	StageRoot      string `yaml:"stage_root"`
}

// Load reads and parses a YAML defaults file. A missing file is not an
// error — it returns the zero Defaults, leaving every field for the caller
// to fill from RPC request fields or flags.
func Load(path string) (Defaults, error) {
	var d Defaults
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return d, nil
}

// Merge fills any zero-valued field of d with the corresponding field from
// fallback, returning the result. Used to layer RPC-supplied overrides over
// the on-disk defaults without mutating either input.
func Merge(d, fallback Defaults) Defaults {
	out := d
	if out.ResolverPath == "" {
		out.ResolverPath = fallback.ResolverPath
	}
	if out.DecompilerPath == "" {
		out.DecompilerPath = fallback.DecompilerPath
	}
	if out.DBPath == "" {
		out.DBPath = fallback.DBPath
	}
	if out.StageRoot == "" {
		out.StageRoot = fallback.StageRoot
	}
	return out
}
