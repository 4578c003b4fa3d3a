package backend

import (
	"regexp"
	"strings"

	"github.com/toolgate/toolgate/pkg/models"
)

// Template placeholders look like ${NAME}; the USER_ prefix marks values
// resolved from a session's per-user secret map rather than the process
// environment.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const userVarPrefix = "USER_"

// DetectVariables returns the distinct placeholder names found in a
// backend spec's URL, headers, and env values, in first-seen order.
func DetectVariables(spec models.BackendSpec) []string {
	seen := make(map[string]bool)
	var names []string
	collect := func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}

	collect(spec.URL)
	for _, v := range spec.Headers {
		collect(v)
	}
	for _, v := range spec.Env {
		collect(v)
	}
	return names
}

// UserVariables returns the placeholders in a spec that must be supplied
// by a session's secret map (the USER_-prefixed subset).
func UserVariables(spec models.BackendSpec) []string {
	var out []string
	for _, name := range DetectVariables(spec) {
		if strings.HasPrefix(name, userVarPrefix) {
			out = append(out, name)
		}
	}
	return out
}

// NeedsUserSecrets reports whether a spec cannot be connected eagerly
// because its templates reference per-user values.
func NeedsUserSecrets(spec models.BackendSpec) bool {
	return len(UserVariables(spec)) > 0
}

// Substitute resolves template placeholders in a spec's URL, headers, and
// env against the given secret map. Both ${USER_X} and bare ${X} forms
// are accepted; a secret keyed either with or without the USER_ prefix
// satisfies a ${USER_X} placeholder. Unresolved placeholders are left in
// place. The input spec is never mutated.
func Substitute(spec models.BackendSpec, secrets map[string]string) models.BackendSpec {
	out := spec
	out.URL = substituteString(spec.URL, secrets)
	if spec.Headers != nil {
		out.Headers = make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			out.Headers[k] = substituteString(v, secrets)
		}
	}
	if spec.Env != nil {
		out.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			out.Env[k] = substituteString(v, secrets)
		}
	}
	if spec.Args != nil {
		out.Args = append([]string(nil), spec.Args...)
	}
	return out
}

func substituteString(s string, secrets map[string]string) string {
	if s == "" || len(secrets) == 0 {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := secrets[name]; ok && v != "" {
			return v
		}
		// ${USER_TOKEN} can be satisfied by a secret stored as TOKEN.
		if trimmed := strings.TrimPrefix(name, userVarPrefix); trimmed != name {
			if v, ok := secrets[trimmed]; ok && v != "" {
				return v
			}
		}
		return m
	})
}
