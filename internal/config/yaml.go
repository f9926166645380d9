package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader reading flag values from a YAML
// mapping. Keys are flag names; dashes and underscores are interchangeable
// and nested mappings are joined with dashes, so
//
//	redis:
//	  addr: localhost:6379
//
// sets --redis-addr.
func YAML(r io.Reader) (kong.Resolver, error) {
	values, err := parseYAML(r)
	if err != nil {
		return nil, err
	}

	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := values[normalizeKey(flag.Name)]
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	return f, nil
}

func parseYAML(r io.Reader) (map[string]any, error) {
	raw := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	values := map[string]any{}
	if err := flatten("", raw, values); err != nil {
		return nil, err
	}
	return values, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) error {
	for k, v := range in {
		key := normalizeKey(k)
		if prefix != "" {
			key = prefix + "-" + key
		}
		switch val := v.(type) {
		case map[string]any:
			if err := flatten(key, val, out); err != nil {
				return err
			}
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			// explicit nulls leave the flag at its default
		case string:
			out[key] = val
		default:
			// kong maps from strings, so scalars are passed the way they
			// would appear on the command line
			out[key] = fmt.Sprint(val)
		}
	}
	return nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", "-"))
}
