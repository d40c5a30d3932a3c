package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// FieldError is one invalid configuration key.
type FieldError struct {
	Key     string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Problem))
	}
	return sb.String()
}

// Has reports whether key failed validation.
func (e *ValidationErrors) Has(key string) bool {
	for _, f := range e.Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

func (e *ValidationErrors) add(key, problem string) {
	e.Fields = append(e.Fields, FieldError{Key: key, Problem: problem})
}

func validateURL(errs *ValidationErrors, key, raw string, schemes map[string]bool) {
	if raw == "" {
		errs.add(key, "is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		errs.add(key, err.Error())
		return
	}
	if !schemes[u.Scheme] || u.Host == "" {
		errs.add(key, fmt.Sprintf("%q must be an absolute %s URL", raw, joinKeys(schemes)))
	}
}

func joinKeys(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
