// Package retry decides whether a failed fetch attempt should be retried and
// how long to wait first.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// KeywordRule adjusts the retry delay when Pattern appears in the failure context.
type KeywordRule struct {
	Pattern       string        `mapstructure:"pattern"`
	CaseSensitive bool          `mapstructure:"case_sensitive"`
	ExtraDelay    time.Duration `mapstructure:"extra_delay"`
	Multiplier    float64       `mapstructure:"multiplier"`
}

// Policy configures backoff. Keyword order is significant: matched rules are
// applied in the order they are declared.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      bool          `mapstructure:"jitter"`
	Keywords    []KeywordRule `mapstructure:"keywords"`
}

// Overrides are per-job adjustments merged over the process policy. Zero
// values leave the corresponding setting untouched.
type Overrides struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         *bool
	CustomKeywords []KeywordRule
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool {
	return o.MaxAttempts == 0 && o.BaseDelay == 0 && o.MaxDelay == 0 &&
		o.Multiplier == 0 && o.Jitter == nil && len(o.CustomKeywords) == 0
}

// DefaultKeywords is the built-in, ordered rule set.
func DefaultKeywords() []KeywordRule {
	return []KeywordRule{
		{Pattern: "blocked", ExtraDelay: 5 * time.Second, Multiplier: 1.5},
		{Pattern: "restricted", ExtraDelay: 3 * time.Second, Multiplier: 1.2},
		{Pattern: "rate limit", ExtraDelay: 10 * time.Second, Multiplier: 2.0},
		{Pattern: "ratelimit", ExtraDelay: 10 * time.Second, Multiplier: 2.0},
		{Pattern: "too many requests", ExtraDelay: 15 * time.Second, Multiplier: 2.5},
		{Pattern: "429", ExtraDelay: 15 * time.Second, Multiplier: 2.5},
		{Pattern: "cloudflare", ExtraDelay: 8 * time.Second, Multiplier: 1.8},
		{Pattern: "captcha", ExtraDelay: 12 * time.Second, Multiplier: 2.0},
		{Pattern: "access denied", ExtraDelay: 5 * time.Second, Multiplier: 1.3},
		{Pattern: "forbidden", ExtraDelay: 5 * time.Second, Multiplier: 1.3},
		{Pattern: "temporarily unavailable", ExtraDelay: 3 * time.Second, Multiplier: 1.1},
		{Pattern: "service unavailable", ExtraDelay: 5 * time.Second, Multiplier: 1.5},
		{Pattern: "timeout", ExtraDelay: 2 * time.Second, Multiplier: 1.2},
		{Pattern: "connection refused", ExtraDelay: 3 * time.Second, Multiplier: 1.3},
		{Pattern: "network error", ExtraDelay: 2 * time.Second, Multiplier: 1.2},
	}
}

// DefaultPolicy returns the process-wide defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
		Jitter:      true,
		Keywords:    DefaultKeywords(),
	}
}

// Merge applies o over p. Custom keywords are appended after p's rules.
func (p Policy) Merge(o Overrides) Policy {
	merged := p
	merged.Keywords = append([]KeywordRule(nil), p.Keywords...)
	if o.MaxAttempts > 0 {
		merged.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay > 0 {
		merged.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		merged.MaxDelay = o.MaxDelay
	}
	if o.Multiplier > 0 {
		merged.Multiplier = o.Multiplier
	}
	if o.Jitter != nil {
		merged.Jitter = *o.Jitter
	}
	merged.Keywords = append(merged.Keywords, o.CustomKeywords...)
	return merged
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be >= 1"))
	}
	if p.BaseDelay < 0 {
		errs = append(errs, errors.New("base delay must be >= 0"))
	}
	if p.MaxDelay <= 0 {
		errs = append(errs, errors.New("max delay must be > 0"))
	}
	if p.Multiplier < 1 {
		errs = append(errs, errors.New("multiplier must be >= 1"))
	}
	for i, rule := range p.Keywords {
		if rule.Pattern == "" {
			errs = append(errs, fmt.Errorf("keyword %d: pattern is empty", i))
		}
		if rule.Multiplier <= 0 {
			errs = append(errs, fmt.Errorf("keyword %q: multiplier must be > 0", rule.Pattern))
		}
		if rule.ExtraDelay < 0 {
			errs = append(errs, fmt.Errorf("keyword %q: extra delay must be >= 0", rule.Pattern))
		}
	}
	return errors.Join(errs...)
}
