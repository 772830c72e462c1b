package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

func (r *ValidationResult) fail(field, msg string) {
	r.Valid = false
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: msg})
}

func (r *ValidationResult) warn(field, msg string) {
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityWarning, Field: field, Message: msg})
}

// ValidateFile loads a YAML config file and validates it.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}

	info, err := os.Stat(path)
	if err != nil {
		result.fail("file", fmt.Sprintf("cannot access file: %v", err))
		return result
	}
	if info.IsDir() {
		result.fail("file", "path is a directory, expected a file")
		return result
	}

	yamlCfg, err := LoadYAML(path)
	if err != nil {
		result.fail("yaml", fmt.Sprintf("YAML parse error: %v", err))
		return result
	}
	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = path
	ValidateConfig(cfg, result)
	return result
}

// ValidateConfig records every error and warning for cfg in result.
func ValidateConfig(cfg *Config, result *ValidationResult) {
	if err := cfg.Validate(); err != nil {
		msg := err.Error()
		prefix := "configuration validation failed:\n  - "
		if strings.HasPrefix(msg, prefix) {
			for _, item := range strings.Split(strings.TrimPrefix(msg, prefix), "\n  - ") {
				field, message := parseValidationError(item)
				result.fail(field, message)
			}
		} else {
			result.fail("config", msg)
		}
	}
	addWarnings(cfg, result)
}

// parseValidationError extracts the field name from "field must ..." style
// messages.
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings flags settings that start fine but will not behave as the
// operator probably expects.
func addWarnings(cfg *Config, result *ValidationResult) {
	if cfg.Endpoint == "" {
		result.warn("endpoint", "no collector endpoint set; events are queued but never uploaded")
	} else if err := CheckEndpoint(cfg.Endpoint); err != nil {
		result.warn("endpoint", fmt.Sprintf("%v; uploads are skipped until a valid endpoint is set", err))
	}
	if cfg.SenderTLSInsecureSkipVerify {
		result.warn("sender-tls-skip-verify", "TLS certificate verification is disabled")
	}
	if !cfg.Runtime.UploadEnabled {
		result.warn("upload-enabled", "uploads are disabled; incoming events are discarded")
	}
	if cfg.DeviceID == "" {
		result.warn("device-id", "no device id; sampled events are always included")
	}
	checkFileWarning(cfg.TicketFile, "ticket-file", result)
	checkFileWarning(cfg.SenderTLSCAFile, "sender-tls-ca", result)
}

func checkFileWarning(path, field string, result *ValidationResult) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		result.warn(field, fmt.Sprintf("file not accessible: %v", err))
	}
}

// CheckEndpoint reports whether raw is a usable collector URL.
func CheckEndpoint(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("malformed endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	return nil
}
