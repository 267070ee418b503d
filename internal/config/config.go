// Package config holds the tunable thresholds and runtime settings for quorum.
//
// Settings resolve in three layers: compiled defaults, an optional YAML file,
// then QUORUM_* environment variables. The merged result is validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsensusConfig controls the consensus decision policy
type ConsensusConfig struct {
	// CoverageThreshold is the minimum consensus coverage for a "go" decision
	// Default: 0.75, Range: (0, 1]
	CoverageThreshold float64 `yaml:"coverage_threshold"`

	// ConfidenceThreshold is the minimum confidence for a role to count as committed
	// Default: 0.6, Range: (0, 1]
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// HoldCoverageFloor splits hold from redo_planning once max rounds are reached
	// Default: 0.5, must be <= CoverageThreshold
	HoldCoverageFloor float64 `yaml:"hold_coverage_floor"`

	// MaxRoundsBeforeClarify is the round at which the policy stops waiting
	// Default: 2, Range: 1-20
	MaxRoundsBeforeClarify int `yaml:"max_rounds_before_clarify"`
}

// ClarificationConfig bounds clarification sessions
type ClarificationConfig struct {
	// MaxClarifications is the number of sessions allowed per task
	// Default: 3, Range: 1-10
	MaxClarifications int `yaml:"max_clarifications"`

	// MaxQuestions caps the questions asked in one session (0 = unlimited)
	// Default: 8
	MaxQuestions int `yaml:"max_questions"`
}

// TelephoneConfig controls the concurrent re-consultation of roles
type TelephoneConfig struct {
	// MaxParallelInvokes is the batch size for concurrent role calls
	// Default: 5, Range: 1-32
	MaxParallelInvokes int `yaml:"max_parallel_invokes"`

	// RoleTimeout bounds each role invocation
	// Default: 5s
	RoleTimeout time.Duration `yaml:"role_timeout"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Backend is "file" (JSON documents) or "sqlite"
	// Default: file
	Backend string `yaml:"backend"`

	// Path is the root directory (file) or database file (sqlite)
	// Default: .quorum
	Path string `yaml:"path"`
}

// InvokerConfig controls the model-backed role invoker
type InvokerConfig struct {
	// Model overrides the default model
	Model string `yaml:"model"`

	// RequestsPerMinute paces API calls (0 = unlimited)
	// Default: 50
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// MaxConcurrentCalls caps in-flight API calls (0 = unlimited)
	// Default: 3
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

// Config is the full quorum configuration
type Config struct {
	Consensus     ConsensusConfig     `yaml:"consensus"`
	Clarification ClarificationConfig `yaml:"clarification"`
	Telephone     TelephoneConfig     `yaml:"telephone"`
	Storage       StorageConfig       `yaml:"storage"`
	Invoker       InvokerConfig       `yaml:"invoker"`
}

// DefaultConsensusConfig returns the default decision thresholds
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		CoverageThreshold:      0.75,
		ConfidenceThreshold:    0.6,
		HoldCoverageFloor:      0.5,
		MaxRoundsBeforeClarify: 2,
	}
}

// DefaultClarificationConfig returns the default session limits
func DefaultClarificationConfig() ClarificationConfig {
	return ClarificationConfig{
		MaxClarifications: 3,
		MaxQuestions:      8,
	}
}

// DefaultTelephoneConfig returns the default fan-out settings
func DefaultTelephoneConfig() TelephoneConfig {
	return TelephoneConfig{
		MaxParallelInvokes: 5,
		RoleTimeout:        5 * time.Second,
	}
}

// DefaultConfig returns the complete default configuration
func DefaultConfig() Config {
	return Config{
		Consensus:     DefaultConsensusConfig(),
		Clarification: DefaultClarificationConfig(),
		Telephone:     DefaultTelephoneConfig(),
		Storage: StorageConfig{
			Backend: "file",
			Path:    ".quorum",
		},
		Invoker: InvokerConfig{
			RequestsPerMinute:  50,
			MaxConcurrentCalls: 3,
		},
	}
}

// Validate checks if the consensus thresholds are usable
func (c ConsensusConfig) Validate() error {
	if c.CoverageThreshold <= 0 || c.CoverageThreshold > 1 {
		return fmt.Errorf("coverage_threshold must be in (0, 1] (got %.2f)", c.CoverageThreshold)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0, 1] (got %.2f)", c.ConfidenceThreshold)
	}
	if c.HoldCoverageFloor < 0 || c.HoldCoverageFloor > c.CoverageThreshold {
		return fmt.Errorf("hold_coverage_floor (%.2f) must be between 0 and coverage_threshold (%.2f)",
			c.HoldCoverageFloor, c.CoverageThreshold)
	}
	if c.MaxRoundsBeforeClarify < 1 || c.MaxRoundsBeforeClarify > 20 {
		return fmt.Errorf("max_rounds_before_clarify must be between 1 and 20 (got %d)", c.MaxRoundsBeforeClarify)
	}
	return nil
}

// Validate checks if the clarification limits are usable
func (c ClarificationConfig) Validate() error {
	if c.MaxClarifications < 1 || c.MaxClarifications > 10 {
		return fmt.Errorf("max_clarifications must be between 1 and 10 (got %d)", c.MaxClarifications)
	}
	if c.MaxQuestions < 0 {
		return fmt.Errorf("max_questions cannot be negative (got %d)", c.MaxQuestions)
	}
	return nil
}

// Validate checks if the fan-out settings are usable
func (c TelephoneConfig) Validate() error {
	if c.MaxParallelInvokes < 1 || c.MaxParallelInvokes > 32 {
		return fmt.Errorf("max_parallel_invokes must be between 1 and 32 (got %d)", c.MaxParallelInvokes)
	}
	if c.RoleTimeout <= 0 {
		return fmt.Errorf("role_timeout must be positive (got %v)", c.RoleTimeout)
	}
	return nil
}

// Validate checks the whole configuration
func (c Config) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if err := c.Clarification.Validate(); err != nil {
		return err
	}
	if err := c.Telephone.Validate(); err != nil {
		return err
	}
	if c.Storage.Backend != "file" && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("storage backend must be 'file' or 'sqlite' (got %q)", c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Invoker.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative (got %d)", c.Invoker.RequestsPerMinute)
	}
	if c.Invoker.MaxConcurrentCalls < 0 {
		return fmt.Errorf("max_concurrent_calls cannot be negative (got %d)", c.Invoker.MaxConcurrentCalls)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Coverage: %.2f, Confidence: %.2f, HoldFloor: %.2f, MaxRounds: %d, "+
			"MaxClarifications: %d, MaxQuestions: %d, Parallel: %d, RoleTimeout: %v, "+
			"Storage: %s:%s, Model: %q, RPM: %d}",
		c.Consensus.CoverageThreshold, c.Consensus.ConfidenceThreshold,
		c.Consensus.HoldCoverageFloor, c.Consensus.MaxRoundsBeforeClarify,
		c.Clarification.MaxClarifications, c.Clarification.MaxQuestions,
		c.Telephone.MaxParallelInvokes, c.Telephone.RoleTimeout,
		c.Storage.Backend, c.Storage.Path, c.Invoker.Model, c.Invoker.RequestsPerMinute,
	)
}

// Load builds the configuration from defaults, the optional YAML file at path,
// and environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromEnv creates a Config from environment variables, falling back to defaults
//
// Environment variables:
//   - QUORUM_COVERAGE_THRESHOLD: coverage needed for go (default: 0.75)
//   - QUORUM_CONFIDENCE_THRESHOLD: confidence needed per role (default: 0.6)
//   - QUORUM_HOLD_COVERAGE_FLOOR: hold vs redo split at max rounds (default: 0.5)
//   - QUORUM_MAX_ROUNDS_BEFORE_CLARIFY: round limit (default: 2)
//   - QUORUM_MAX_CLARIFICATIONS: sessions per task (default: 3)
//   - QUORUM_MAX_QUESTIONS: questions per session, 0 for unlimited (default: 8)
//   - QUORUM_MAX_PARALLEL_INVOKES: telephone batch size (default: 5)
//   - QUORUM_ROLE_TIMEOUT: per-role timeout, Go duration (default: 5s)
//   - QUORUM_STORAGE_BACKEND: file or sqlite (default: file)
//   - QUORUM_STORAGE_PATH: storage root (default: .quorum)
//   - QUORUM_MODEL: model override
//   - QUORUM_REQUESTS_PER_MINUTE: API pacing, 0 for unlimited (default: 50)
//   - QUORUM_MAX_CONCURRENT_CALLS: API concurrency, 0 for unlimited (default: 3)
func FromEnv() (Config, error) {
	return Load("")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if err := parseEnvFloat("QUORUM_COVERAGE_THRESHOLD", &cfg.Consensus.CoverageThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("QUORUM_CONFIDENCE_THRESHOLD", &cfg.Consensus.ConfidenceThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("QUORUM_HOLD_COVERAGE_FLOOR", &cfg.Consensus.HoldCoverageFloor); err != nil {
		return err
	}
	if err := parseEnvInt("QUORUM_MAX_ROUNDS_BEFORE_CLARIFY", &cfg.Consensus.MaxRoundsBeforeClarify); err != nil {
		return err
	}
	if err := parseEnvInt("QUORUM_MAX_CLARIFICATIONS", &cfg.Clarification.MaxClarifications); err != nil {
		return err
	}
	if err := parseEnvInt("QUORUM_MAX_QUESTIONS", &cfg.Clarification.MaxQuestions); err != nil {
		return err
	}
	if err := parseEnvInt("QUORUM_MAX_PARALLEL_INVOKES", &cfg.Telephone.MaxParallelInvokes); err != nil {
		return err
	}
	if err := parseEnvDuration("QUORUM_ROLE_TIMEOUT", &cfg.Telephone.RoleTimeout); err != nil {
		return err
	}
	if err := parseEnvString("QUORUM_STORAGE_BACKEND", &cfg.Storage.Backend); err != nil {
		return err
	}
	if err := parseEnvString("QUORUM_STORAGE_PATH", &cfg.Storage.Path); err != nil {
		return err
	}
	if err := parseEnvString("QUORUM_MODEL", &cfg.Invoker.Model); err != nil {
		return err
	}
	if err := parseEnvInt("QUORUM_REQUESTS_PER_MINUTE", &cfg.Invoker.RequestsPerMinute); err != nil {
		return err
	}
	return parseEnvInt("QUORUM_MAX_CONCURRENT_CALLS", &cfg.Invoker.MaxConcurrentCalls)
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a Go duration string from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	*dest = value
	return nil
}
