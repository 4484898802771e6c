package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateAccount validates one account entry
func (v *Validator) ValidateAccount(account AccountConfig) error {
	if strings.TrimSpace(account.ID) == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	if account.Secret == "" {
		return fmt.Errorf("account %s: secret cannot be empty", account.ID)
	}
	return nil
}

// ValidateURL validates an absolute http(s) URL
func (v *Validator) ValidateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", name)
	}
	return nil
}

// ValidateSchedule validates a cron spec such as "@every 10m" or "0 * * * *"
func (v *Validator) ValidateSchedule(name, spec string) error {
	if spec == "" {
		return nil // Disabled
	}
	if _, err := v.cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, spec, err)
	}
	return nil
}

// ValidatePoolStrategy validates a session selection strategy
func (v *Validator) ValidatePoolStrategy(strategy string) error {
	return oneOf("pool strategy", strategy, "round_robin", "least_used")
}

// ValidateRetryStrategy validates a retry backoff strategy
func (v *Validator) ValidateRetryStrategy(strategy string) error {
	if strategy == "" {
		return nil // Use default
	}
	return oneOf("retry strategy", strategy, "exponential", "linear", "fixed", "immediate")
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

func oneOf(name, value string, valid ...string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(valid, ", "))
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	seen := make(map[string]bool, len(cfg.Accounts))
	for i, account := range cfg.Accounts {
		if err := v.ValidateAccount(account); err != nil {
			errors = append(errors, fmt.Errorf("account %d: %w", i, err))
			continue
		}
		if seen[account.ID] {
			errors = append(errors, fmt.Errorf("account %d: duplicate id %s", i, account.ID))
		}
		seen[account.ID] = true
	}
	if err := v.ValidateURL("identity url", cfg.Identity.IdentityURL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateURL("identity token url", cfg.Identity.TokenURL); err != nil {
		errors = append(errors, err)
	}
	if cfg.Executor.URL != "" {
		if err := v.ValidateURL("executor url", cfg.Executor.URL); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidatePoolStrategy(cfg.Pool.Strategy); err != nil {
		errors = append(errors, err)
	}
	if cfg.Pool.RefreshThreshold >= cfg.Pool.SessionTTL {
		errors = append(errors, fmt.Errorf("pool refresh_threshold (%ds) must be shorter than session_ttl (%ds)", cfg.Pool.RefreshThreshold, cfg.Pool.SessionTTL))
	}

	if err := v.ValidateRetryStrategy(cfg.Retry.Strategy); err != nil {
		errors = append(errors, err)
	}
	if cfg.Retry.Multiplier < 1 {
		errors = append(errors, fmt.Errorf("retry multiplier must be >= 1, got %g", cfg.Retry.Multiplier))
	}

	if err := v.ValidateSchedule("prune_schedule", cfg.Housekeeping.PruneSchedule); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSchedule("rebalance_schedule", cfg.Housekeeping.RebalanceSchedule); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
