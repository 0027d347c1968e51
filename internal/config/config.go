// Package config loads the engine configuration from YAML with include
// support: a file may list `include:` paths that are merged first, so shared
// venue or risk settings can live in one place.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads path plus everything it includes, merges the pieces (the
// including file wins), applies defaults to keys the files left unset and
// validates the result.
func Load(path string) (*Config, error) {
	files, err := expandIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	explicit := make(keySet)
	markExplicitKeys("", v.AllSettings(), explicit)
	cfg.applyDefaults(explicit)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// expandIncludes returns the merge order for path and its transitive
// includes: deepest include first, the entry file last so it wins.
func expandIncludes(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := includeWalker{seen: make(map[string]bool), stack: make(map[string]bool)}
	files, err := w.walk(abs)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return []string{abs}, nil
	}
	return files, nil
}

type includeWalker struct {
	seen  map[string]bool
	stack map[string]bool
}

func (w *includeWalker) walk(path string) ([]string, error) {
	path = filepath.Clean(path)
	if w.stack[path] {
		return nil, fmt.Errorf("include cycle detected: %s", path)
	}
	if w.seen[path] {
		return nil, nil
	}
	w.stack[path] = true
	includes, err := readIncludeDirective(path)
	if err != nil {
		return nil, fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	dir := filepath.Dir(path)
	var ordered []string
	for _, inc := range includes {
		// relative includes resolve against the including file
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		sub, err := w.walk(inc)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	delete(w.stack, path)
	w.seen[path] = true
	return append(ordered, path), nil
}

// readIncludeDirective parses the top-level `include:` list of one file.
func readIncludeDirective(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	var items []any
	switch val := raw.(type) {
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

// markExplicitKeys records every dotted key the files actually set, so
// defaulting can tell an explicit zero from an absent key.
func markExplicitKeys(prefix string, node any, dest keySet) {
	join := func(k string) (string, bool) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			return "", false
		}
		if prefix != "" {
			k = prefix + "." + k
		}
		return k, true
	}
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			if next, ok := join(k); ok {
				markExplicitKeys(next, v, dest)
			}
		}
	case map[any]any:
		for k, v := range val {
			str, ok := k.(string)
			if !ok {
				continue
			}
			if next, ok := join(str); ok {
				markExplicitKeys(next, v, dest)
			}
		}
	case []any:
		if prefix != "" {
			dest.mark(prefix)
		}
		for _, item := range val {
			markExplicitKeys(prefix, item, dest)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
