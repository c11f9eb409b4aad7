package retry

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noJitter() Policy {
	p := DefaultPolicy()
	p.Jitter = false
	return p
}

func TestDecideCaptchaDelay(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.Keywords = []KeywordRule{{Pattern: "captcha", ExtraDelay: 12 * time.Second, Multiplier: 2.0}}

	decision := Decide(Failure{Message: "solve the CAPTCHA to continue"}, 0, policy)
	require.True(t, decision.Retry)
	require.Equal(t, 26*time.Second, decision.Delay)
	require.Equal(t, []string{"captcha"}, decision.Keywords)
	require.Equal(t, "Detected keywords: [captcha]", decision.Reason)
}

func TestDecideClampsToMaxDelay(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.MaxDelay = 20 * time.Second
	policy.Keywords = []KeywordRule{{Pattern: "captcha", ExtraDelay: 12 * time.Second, Multiplier: 2.0}}

	decision := Decide(Failure{Message: "captcha"}, 0, policy)
	require.Equal(t, 20*time.Second, decision.Delay)
}

func TestDecideStacksMatchesInDeclaredOrder(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.Keywords = []KeywordRule{
		{Pattern: "cloudflare", ExtraDelay: 8 * time.Second, Multiplier: 1.8},
		{Pattern: "captcha", ExtraDelay: 12 * time.Second, Multiplier: 2.0},
	}
	decision := Decide(Failure{Body: "Cloudflare captcha challenge"}, 0, policy)
	require.Equal(t, []string{"cloudflare", "captcha"}, decision.Keywords)
	// ((1000+8000)*1.8 + 12000) * 2.0
	require.Equal(t, 56400*time.Millisecond, decision.Delay)

	reversed := noJitter()
	reversed.Keywords = []KeywordRule{policy.Keywords[1], policy.Keywords[0]}
	other := Decide(Failure{Body: "Cloudflare captcha challenge"}, 0, reversed)
	// ((1000+12000)*2.0 + 8000) * 1.8
	require.Equal(t, 61200*time.Millisecond, other.Delay)

	single := Decide(Failure{Body: "captcha"}, 0, policy)
	require.Greater(t, decision.Delay, single.Delay)
}

func TestDecideCaseSensitivity(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.Keywords = []KeywordRule{{Pattern: "rate limit", ExtraDelay: time.Second, Multiplier: 1}}
	require.True(t, Decide(Failure{Message: "RATE LIMIT exceeded"}, 0, policy).Retry)

	policy.Keywords = []KeywordRule{{Pattern: "Throttled", CaseSensitive: true, ExtraDelay: time.Second, Multiplier: 1}}
	require.False(t, Decide(Failure{Message: "throttled"}, 0, policy).Retry)
	require.True(t, Decide(Failure{Message: "Throttled"}, 0, policy).Retry)
}

func TestDecideSearchesHeadersAndStatusText(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	headers := http.Header{"Server": []string{"cloudflare"}}
	decision := Decide(Failure{Message: "HTTP 418", StatusCode: 418, Headers: headers}, 0, policy)
	require.True(t, decision.Retry)
	require.Equal(t, []string{"cloudflare"}, decision.Keywords)

	decision = Decide(Failure{StatusCode: 403, StatusText: "Forbidden"}, 0, policy)
	require.Equal(t, []string{"forbidden"}, decision.Keywords)
}

func TestDecideStatusFallback(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.Keywords = nil

	tests := []struct {
		name   string
		status int
		retry  bool
		reason string
	}{
		{name: "server error", status: 500, retry: true, reason: "HTTP 500 status code"},
		{name: "bad gateway", status: 502, retry: true, reason: "HTTP 502 status code"},
		{name: "too many", status: 429, retry: true, reason: "HTTP 429 status code"},
		{name: "not found", status: 404, retry: false, reason: ReasonNoSignal},
		{name: "no status", status: 0, retry: false, reason: ReasonNoSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			decision := Decide(Failure{Message: "boom", StatusCode: tt.status}, 1, policy)
			require.Equal(t, tt.retry, decision.Retry)
			require.Equal(t, tt.reason, decision.Reason)
			require.Empty(t, decision.Keywords)
			if tt.retry {
				// status-only retries use the plain exponential delay
				require.Equal(t, 2*time.Second, decision.Delay)
			}
		})
	}
}

func TestDecideMaxAttempts(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.MaxAttempts = 3
	decision := Decide(Failure{Message: "rate limit", StatusCode: 503}, 3, policy)
	require.False(t, decision.Retry)
	require.Equal(t, ReasonMaxAttempts, decision.Reason)
}

func TestDelayMonotonicWithoutJitter(t *testing.T) {
	t.Parallel()

	policy := noJitter()
	policy.MaxAttempts = 10
	policy.MaxDelay = 10 * time.Minute
	failure := Failure{Message: "timeout talking to upstream"}

	prev := time.Duration(0)
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		d := Decide(failure, attempt, policy).Delay
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestJitterStaysWithinTenPercent(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.Keywords = nil

	low := NewEngineWithRand(func() float64 { return 0 }).Decide(Failure{StatusCode: 500}, 0, policy)
	high := NewEngineWithRand(func() float64 { return 0.999999 }).Decide(Failure{StatusCode: 500}, 0, policy)
	require.Equal(t, 900*time.Millisecond, low.Delay)
	require.InDelta(t, float64(1100*time.Millisecond), float64(high.Delay), float64(time.Millisecond))

	for i := 0; i < 100; i++ {
		d := Decide(Failure{StatusCode: 500}, 0, policy).Delay
		require.GreaterOrEqual(t, d, 900*time.Millisecond)
		require.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}
