package environment

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TagVariables is the registry tag of the Variables service.
const TagVariables Tag = "variables"

// envPrefix maps process environment variables into the dotted-path
// namespace: MATTER_MDNS_IPV4 becomes "mdns.ipv4".
const envPrefix = "MATTER_"

// Variables resolves configuration by dotted path, merging (highest
// precedence first): explicit overrides, process environment, and an
// optional YAML config file.
type Variables struct {
	overrides map[string]string
	env       map[string]string
	file      map[string]string
}

// NewVariables builds the service from the process environment.
func NewVariables() *Variables {
	v := &Variables{
		overrides: make(map[string]string),
		env:       make(map[string]string),
		file:      make(map[string]string),
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(name, envPrefix))
		path = strings.ReplaceAll(path, "_", ".")
		v.env[path] = value
	}
	return v
}

// LoadFile merges a YAML config file; nested keys flatten to dotted
// paths.
func (v *Variables) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return v.LoadYAML(data)
}

// LoadYAML merges YAML config data.
func (v *Variables) LoadYAML(data []byte) error {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	flatten("", tree, v.file)
	return nil
}

func flatten(prefix string, tree map[string]any, out map[string]string) {
	for key, value := range tree {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch val := value.(type) {
		case map[string]any:
			flatten(path, val, out)
		case string:
			out[strings.ToLower(path)] = val
		case bool:
			out[strings.ToLower(path)] = strconv.FormatBool(val)
		case int:
			out[strings.ToLower(path)] = strconv.Itoa(val)
		case float64:
			out[strings.ToLower(path)] = strconv.FormatFloat(val, 'g', -1, 64)
		}
	}
}

// Set installs an explicit override.
func (v *Variables) Set(path, value string) {
	v.overrides[strings.ToLower(path)] = value
}

// Get resolves a dotted path; ok is false when unset everywhere.
func (v *Variables) Get(path string) (string, bool) {
	path = strings.ToLower(path)
	if val, ok := v.overrides[path]; ok {
		return val, true
	}
	if val, ok := v.env[path]; ok {
		return val, true
	}
	if val, ok := v.file[path]; ok {
		return val, true
	}
	return "", false
}

// GetString resolves with a default.
func (v *Variables) GetString(path, def string) string {
	if val, ok := v.Get(path); ok {
		return val
	}
	return def
}

// GetInt resolves an integer with a default.
func (v *Variables) GetInt(path string, def int) int {
	if val, ok := v.Get(path); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

// GetBool resolves a boolean with a default.
func (v *Variables) GetBool(path string, def bool) bool {
	if val, ok := v.Get(path); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}
