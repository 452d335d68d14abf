package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// envRef matches ${NAME}. Bare $NAME is left alone so passwords containing
// a dollar sign survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// toJSON turns a JSON or YAML (by extension) config file into JSON for the
// strict decoder, replacing ${NAME} in string values from the environment.
func toJSON(path string, data []byte) ([]byte, error) {
	var tree any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&tree); err != nil {
			return nil, err
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, errors.New("invalid config: trailing data")
		}
	}

	var missing []string
	tree = walkStrings(tree, func(s string) string {
		return envRef.ReplaceAllStringFunc(s, func(ref string) string {
			name := envRef.FindStringSubmatch(ref)[1]
			v, ok := os.LookupEnv(name)
			if !ok {
				missing = append(missing, name)
			}
			return v
		})
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("config references unset environment: %s", strings.Join(missing, ", "))
	}
	return json.Marshal(tree)
}

// walkStrings rewrites every string leaf. Non-string map keys (possible in
// YAML) are stringified so the tree stays JSON-marshalable.
func walkStrings(in any, fn func(string) string) any {
	switch x := in.(type) {
	case string:
		return fn(x)
	case map[string]any:
		for k, v := range x {
			x[k] = walkStrings(v, fn)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = walkStrings(v, fn)
		}
		return m
	case []any:
		for i := range x {
			x[i] = walkStrings(x[i], fn)
		}
		return x
	default:
		return in
	}
}
