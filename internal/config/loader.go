package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const (
	includeKey      = "$include"
	includeAliasKey = "include"
)

// LoadRaw reads a configuration file into a raw map with environment
// variables expanded and $include directives merged in.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadRaw(path, map[string]bool{})
}

func loadRaw(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRaw(data, absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	expandEnvValues(raw)

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		incRaw, err := loadRaw(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// parseRaw decodes YAML, or JSON5 when the file extension says so.
func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// expandEnvValues expands ${VAR} in string values only. Keys are left alone
// so "$include" survives.
func expandEnvValues(raw map[string]any) {
	for key, value := range raw {
		raw[key] = expandEnvValue(value)
	}
}

func expandEnvValue(value any) any {
	switch typed := value.(type) {
	case string:
		expanded := os.ExpandEnv(typed)
		if expanded == typed {
			return typed
		}
		// "port: ${PORT}" should still decode as a number.
		var scalar any
		if err := yaml.Unmarshal([]byte(expanded), &scalar); err == nil {
			switch scalar.(type) {
			case int, float64, bool:
				return scalar
			}
		}
		return expanded
	case map[string]any:
		expandEnvValues(typed)
		return typed
	case []any:
		for i, entry := range typed {
			typed[i] = expandEnvValue(entry)
		}
		return typed
	default:
		return value
	}
}

func popIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if ok {
		delete(raw, includeKey)
	} else if val, ok = raw[includeAliasKey]; ok {
		delete(raw, includeAliasKey)
	} else {
		return nil, nil
	}

	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%s entries must be non-empty strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips the merged map through YAML so unknown keys are rejected.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
