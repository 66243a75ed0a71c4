package config

import (
	"fmt"
	"strings"
)

// ConfigError represents a missing or unparseable configuration file, or
// an unknown peer — a startup failure, never raised after network I/O
// begins (§7).
type ConfigError struct {
	Path    string
	Line    int
	Message string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("config: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
}

// ValidationErrors collects multiple independent validation failures so a
// single run reports every problem instead of stopping at the first.
type ValidationErrors struct {
	Errors []error
}

func (ve *ValidationErrors) Add(err error) {
	if err != nil {
		ve.Errors = append(ve.Errors, err)
	}
}

func (ve *ValidationErrors) HasErrors() bool { return len(ve.Errors) > 0 }

func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ""
	}
	messages := make([]string, len(ve.Errors))
	for i, err := range ve.Errors {
		messages[i] = fmt.Sprintf("  - %s", err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(messages, "\n"))
}
