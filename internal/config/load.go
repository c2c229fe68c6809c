package config

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads the config file at path, fills empty secrets from the
// environment and checks field constraints. Files ending in .yaml or .yml
// are YAML, anything else is JSON. Unknown keys are rejected in both.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(path string, b []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after config document")
	}
	return &cfg, nil
}

// yamlToJSON lets YAML files share the strict JSON decoder and its json tags.
func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	doc, err := stringKeys(doc, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// stringKeys rewrites YAML mappings into string-keyed maps. Config keys are
// always strings, so any other key is reported with its location.
func stringKeys(v any, at string) (any, error) {
	child := func(k string) string {
		if at == "" {
			return k
		}
		return at + "." + k
	}
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			c, err := stringKeys(e, child(k))
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a string", cmp.Or(at, "top level"), k)
			}
			c, err := stringKeys(e, child(ks))
			if err != nil {
				return nil, err
			}
			out[ks] = c
		}
		return out, nil
	case []any:
		for i, e := range x {
			c, err := stringKeys(e, child(strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
	}
	return v, nil
}

// ParseDuration parses the duration option named field. Empty or zero
// yields def; negative values are rejected.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", field)
	case d == 0:
		return def, nil
	}
	return d, nil
}
