// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// MissingKeys returns the sorted names of required values that are blank.
//
// Callers pass env key names mapped to their parsed values so startup errors
// can name every absent setting at once.
func MissingKeys(required map[string]string) []string {
	var missing []string
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// TrimCSV removes blank entries from a comma-split env slice.
func TrimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
