package retry

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Decision reasons that do not depend on the failure.
const (
	ReasonMaxAttempts = "max attempts reached"
	ReasonNoSignal    = "no retryable signal"
)

// jitterFraction bounds the random perturbation applied to a delay.
const jitterFraction = 0.1

// Failure is the context of a failed attempt that the engine inspects.
type Failure struct {
	Message    string
	StatusCode int
	StatusText string
	Body       string
	Headers    http.Header
}

// Decision is the engine's verdict for one failure.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	Reason   string
	Keywords []string
}

// Engine evaluates failures against a Policy. The zero value is not usable;
// construct with NewEngine.
type Engine struct {
	random func() float64
}

// NewEngine returns an engine that draws jitter from crypto/rand.
func NewEngine() *Engine {
	return &Engine{random: cryptoFloat}
}

// NewEngineWithRand returns an engine with a caller-supplied [0,1) source.
func NewEngineWithRand(random func() float64) *Engine {
	return &Engine{random: random}
}

var defaultEngine = NewEngine()

// Decide evaluates failure using the default engine.
func Decide(failure Failure, attemptIndex int, policy Policy) Decision {
	return defaultEngine.Decide(failure, attemptIndex, policy)
}

// Decide returns whether to retry after the attempt numbered attemptIndex
// (zero-based) failed, and the delay before the next attempt.
func (e *Engine) Decide(failure Failure, attemptIndex int, policy Policy) Decision {
	if attemptIndex >= policy.MaxAttempts {
		return Decision{Reason: ReasonMaxAttempts}
	}

	matched := Match(failure, policy.Keywords)
	if len(matched) == 0 {
		if failure.StatusCode >= http.StatusInternalServerError || failure.StatusCode == http.StatusTooManyRequests {
			return Decision{
				Retry:  true,
				Delay:  e.delay(policy, nil, attemptIndex),
				Reason: fmt.Sprintf("HTTP %d status code", failure.StatusCode),
			}
		}
		return Decision{Reason: ReasonNoSignal}
	}

	names := make([]string, 0, len(matched))
	for _, rule := range matched {
		names = append(names, rule.Pattern)
	}
	return Decision{
		Retry:    true,
		Delay:    e.delay(policy, matched, attemptIndex),
		Reason:   fmt.Sprintf("Detected keywords: [%s]", strings.Join(names, ", ")),
		Keywords: names,
	}
}

// Match returns every rule found in the failure context, in declared order.
func Match(failure Failure, rules []KeywordRule) []KeywordRule {
	raw := searchText(failure)
	folded := strings.ToLower(raw)
	var matched []KeywordRule
	for _, rule := range rules {
		if rule.Pattern == "" {
			continue
		}
		if rule.CaseSensitive {
			if strings.Contains(raw, rule.Pattern) {
				matched = append(matched, rule)
			}
			continue
		}
		if strings.Contains(folded, strings.ToLower(rule.Pattern)) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// BaseDelay computes the delay without jitter. Each matched rule adds its
// extra delay to the running total and then scales it, so rules compound.
func BaseDelay(policy Policy, matched []KeywordRule, attemptIndex int) time.Duration {
	total := float64(policy.BaseDelay)
	for _, rule := range matched {
		total += float64(rule.ExtraDelay)
		total *= rule.Multiplier
	}
	total *= math.Pow(policy.Multiplier, float64(attemptIndex))
	if limit := float64(policy.MaxDelay); total > limit {
		total = limit
	}
	return roundMillis(total)
}

func (e *Engine) delay(policy Policy, matched []KeywordRule, attemptIndex int) time.Duration {
	d := BaseDelay(policy, matched, attemptIndex)
	if !policy.Jitter || d <= 0 {
		return d
	}
	span := float64(d) * jitterFraction
	jittered := float64(d) + span*(2*e.random()-1)
	if jittered < 0 {
		return 0
	}
	return roundMillis(jittered)
}

func roundMillis(ns float64) time.Duration {
	return time.Duration(math.Round(ns/float64(time.Millisecond))) * time.Millisecond
}

func searchText(failure Failure) string {
	parts := []string{failure.Message, failure.Body}
	keys := make([]string, 0, len(failure.Headers))
	for key := range failure.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, key+": "+strings.Join(failure.Headers[key], ", "))
	}
	parts = append(parts, failure.StatusText)
	return strings.Join(parts, " ")
}

func cryptoFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
