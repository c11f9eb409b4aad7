package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, time.Second, p.BaseDelay)
	require.Equal(t, time.Minute, p.MaxDelay)
	require.Len(t, p.Keywords, 15)
	require.Equal(t, "blocked", p.Keywords[0].Pattern)
	require.Equal(t, "network error", p.Keywords[len(p.Keywords)-1].Pattern)
}

func TestMergeAppendsCustomKeywords(t *testing.T) {
	t.Parallel()

	base := DefaultPolicy()
	off := false
	merged := base.Merge(Overrides{
		MaxAttempts:    2,
		BaseDelay:      250 * time.Millisecond,
		Jitter:         &off,
		CustomKeywords: []KeywordRule{{Pattern: "slow down", ExtraDelay: time.Second, Multiplier: 1.5}},
	})

	require.Equal(t, 2, merged.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, merged.BaseDelay)
	require.Equal(t, base.MaxDelay, merged.MaxDelay)
	require.False(t, merged.Jitter)
	require.Len(t, merged.Keywords, len(base.Keywords)+1)
	require.Equal(t, "slow down", merged.Keywords[len(merged.Keywords)-1].Pattern)
	require.Len(t, base.Keywords, 15, "merge must not mutate the base policy")
	require.True(t, base.Merge(Overrides{}).Jitter)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{name: "attempts", mutate: func(p *Policy) { p.MaxAttempts = 0 }},
		{name: "base", mutate: func(p *Policy) { p.BaseDelay = -time.Second }},
		{name: "max", mutate: func(p *Policy) { p.MaxDelay = 0 }},
		{name: "multiplier", mutate: func(p *Policy) { p.Multiplier = 0.5 }},
		{name: "empty pattern", mutate: func(p *Policy) { p.Keywords = append(p.Keywords, KeywordRule{Multiplier: 1}) }},
		{name: "keyword multiplier", mutate: func(p *Policy) { p.Keywords[0].Multiplier = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultPolicy()
			tt.mutate(&p)
			require.Error(t, p.Validate())
		})
	}
}
