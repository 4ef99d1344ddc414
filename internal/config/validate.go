package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/transport"
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
	File   string            `json:"file,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

func (r *ValidationResult) errorf(field, format string, args ...any) {
	r.Valid = false
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warnf(field, format string, args ...any) {
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityWarning, Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	cfg, err := LoadYAML(path)
	if err != nil {
		result := &ValidationResult{File: path}
		result.errorf("file", "%v", err)
		return result
	}
	result := cfg.Check()
	result.File = path
	return result
}

// Check validates the configuration and reports every issue found.
func (c *Config) Check() *ValidationResult {
	r := &ValidationResult{Valid: true}

	switch c.Mode {
	case ModeRelay, ModeReceiver, ModeStatus:
	default:
		r.errorf("mode", "unknown mode %q (want relay, receiver or status)", c.Mode)
	}

	m := c.Monitor
	if m.DefaultSleep <= 0 {
		r.errorf("monitor.default_sleep", "must be positive")
	}
	if m.MaxSleep < m.DefaultSleep {
		r.errorf("monitor.max_sleep", "%s is below default_sleep %s", time.Duration(m.MaxSleep), time.Duration(m.DefaultSleep))
	}
	if m.BackoffMultiplier < 1 {
		r.errorf("monitor.backoff_multiplier", "%v must be >= 1", m.BackoffMultiplier)
	}
	if m.DecayPeriod < 0 || m.SendTimeout < 0 {
		r.errorf("monitor", "decay_period and send_timeout must not be negative")
	}
	if m.BatchMinBytes < 0 {
		r.errorf("monitor.batch_min_bytes", "must not be negative")
	}
	if t, err := compression.ParseType(m.BlockCompression); err != nil {
		r.errorf("monitor.block_compression", "%v", err)
	} else if err := compression.ValidateLevel(t, compression.Level(m.BlockCompressionLevel)); err != nil {
		r.errorf("monitor.block_compression_level", "%v", err)
	}
	if m.SendTimeout == 0 {
		r.warnf("monitor.send_timeout", "no send timeout: a hung replica blocks its shard until the connection fails")
	}

	if err := transport.ValidateCompression(c.Client.Compression); err != nil {
		r.errorf("client.compression", "%v", err)
	}
	if err := c.Client.TLS.Validate(); err != nil {
		r.errorf("client.tls", "%v", err)
	}
	if c.CircuitBreaker.Threshold < 0 {
		r.errorf("circuit_breaker.threshold", "must not be negative")
	}
	if c.Memory.LimitRatio < 0 || c.Memory.LimitRatio > 1 {
		r.errorf("memory.limit_ratio", "%v is outside 0.0-1.0", c.Memory.LimitRatio)
	}
	if c.Admin.Auth.Enabled && c.Admin.Auth.BearerToken == "" && c.Admin.Auth.BasicAuthUsername == "" {
		r.errorf("admin.auth", "enabled without a bearer token or basic credentials")
	}

	switch c.Mode {
	case ModeRelay:
		c.checkShards(r)
	case ModeReceiver:
		if c.Receiver.Path == "" {
			r.errorf("receiver.path", "is required in receiver mode")
		}
		if err := c.Receiver.TLS.Validate(); err != nil {
			r.errorf("receiver.tls", "%v", err)
		}
		if c.Receiver.Auth.Enabled && c.Receiver.Auth.BearerToken == "" && c.Receiver.Auth.BasicAuthUsername == "" {
			r.errorf("receiver.auth", "enabled without a bearer token or basic credentials")
		}
	}
	return r
}

func (c *Config) checkShards(r *ValidationResult) {
	if c.DataPath == "" {
		r.errorf("data_path", "is required in relay mode")
	}
	if len(c.Shards) == 0 {
		r.warnf("shards", "no shards configured; the relay accepts no inserts")
	}
	seen := make(map[string]bool, len(c.Shards))
	for i, s := range c.Shards {
		field := fmt.Sprintf("shards[%d]", i)
		switch {
		case s.Name == "":
			r.errorf(field+".name", "is required")
		case strings.ContainsAny(s.Name, `/\`) || s.Name == "." || s.Name == "..":
			r.errorf(field+".name", "%q is not a valid directory name", s.Name)
		case seen[s.Name]:
			r.errorf(field+".name", "duplicate shard %q", s.Name)
		}
		seen[s.Name] = true
		if len(s.Replicas) == 0 {
			r.errorf(field+".replicas", "shard %q has no replicas", s.Name)
		}
		if o := s.Monitor; o != nil {
			def, maxSleep := c.Monitor.DefaultSleep, c.Monitor.MaxSleep
			if o.DefaultSleep != nil {
				def = *o.DefaultSleep
			}
			if o.MaxSleep != nil {
				maxSleep = *o.MaxSleep
			}
			if def <= 0 || maxSleep < def {
				r.errorf(field+".monitor", "max_sleep %s is below default_sleep %s", time.Duration(maxSleep), time.Duration(def))
			}
		}
	}
}

// Validate returns the errors found by Check joined together.
func (c *Config) Validate() error {
	var errs []error
	for _, issue := range c.Check().Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, fmt.Errorf("%s: %s", issue.Field, issue.Message))
		}
	}
	return errors.Join(errs...)
}

// PrintValidation writes a validation result for humans to stderr.
func PrintValidation(r *ValidationResult) {
	for _, issue := range r.Issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", issue.Severity, issue.Field, issue.Message)
	}
}
