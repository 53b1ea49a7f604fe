package env

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var ref = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Compose builds the environment of a launched process. base (normally
// os.Environ()) is overridden by each layer of "K=V" entries in order; then
// ${VAR} references are expanded once against the composed set. Unknown
// references are left as written. Output is sorted by key.
func Compose(base []string, layers ...[]string) []string {
	m := make(map[string]string, len(base))
	apply := func(kvs []string) {
		for _, kv := range kvs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				continue
			}
			m[k] = v
		}
	}
	apply(base)
	for _, l := range layers {
		apply(l)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return ref.ReplaceAllStringFunc(s, func(match string) string {
		if v, ok := m[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}

// Lookup returns the value of key in a "K=V" list; later entries win.
func Lookup(envs []string, key string) (string, bool) {
	var (
		val   string
		found bool
	)
	for _, kv := range envs {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			val, found = v, true
		}
	}
	return val, found
}

// LoadFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Blank lines and lines starting with # are ignored.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}
