// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"regexp"
	"strconv"
)

var envTokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandString implements spec.md §4.4's "${NAME}" env expansion: a scalar
// that is *exactly* one token is re-typed if the resolved value parses as
// bool/int/float; a scalar with other characters around the token(s) stays
// a string after substitution. An undefined name is left as the literal
// placeholder and reported via the returned warning (empty if none fired).
func expandString(raw string) (interface{}, string) {
	matches := envTokenPattern.FindAllStringSubmatchIndex(raw, -1)
	if matches == nil {
		return raw, ""
	}

	pureToken := len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(raw)

	var warning string
	replaced := envTokenPattern.ReplaceAllStringFunc(raw, func(tok string) string {
		name := envTokenPattern.FindStringSubmatch(tok)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			warning = "undefined environment variable referenced: " + name
			return tok
		}
		return val
	})

	if !pureToken {
		return replaced, warning
	}
	if i, err := strconv.ParseInt(replaced, 10, 64); err == nil {
		return i, warning
	}
	if f, err := strconv.ParseFloat(replaced, 64); err == nil {
		return f, warning
	}
	if b, err := strconv.ParseBool(replaced); err == nil {
		return b, warning
	}
	return replaced, warning
}

// expandNode walks a generically-typed YAML tree (maps/slices/scalars, the
// shape gopkg.in/yaml.v3 produces for interface{} targets) and applies
// expandString to every string leaf, accumulating warnings.
func expandNode(node interface{}) (interface{}, []string) {
	var warnings []string
	var walk func(n interface{}) interface{}
	walk = func(n interface{}) interface{} {
		switch v := n.(type) {
		case string:
			out, warn := expandString(v)
			if warn != "" {
				warnings = append(warnings, warn)
			}
			return out
		case map[string]interface{}:
			for k, val := range v {
				v[k] = walk(val)
			}
			return v
		case []interface{}:
			for i, val := range v {
				v[i] = walk(val)
			}
			return v
		default:
			return n
		}
	}
	return walk(node), warnings
}
