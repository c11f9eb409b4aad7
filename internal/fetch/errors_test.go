package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	httpErr := HTTPError(http.StatusServiceUnavailable, nil, []byte("try later"))
	require.Equal(t, "HTTP 503: Service Unavailable", httpErr.Error())
	require.Equal(t, "try later", httpErr.Body)

	wrapped := fmt.Errorf("attempt: %w", httpErr)
	require.Same(t, httpErr, Classify(wrapped))

	limit := Classify(fmt.Errorf("hop: %w", ErrRedirectLimit))
	require.Equal(t, ClassRedirectLimit, limit.Class)
	require.True(t, limit.Class.Terminal())

	netErr := Classify(errors.New("dial tcp: connection refused"))
	require.Equal(t, ClassNetwork, netErr.Class)
	require.Contains(t, netErr.Message, "connection refused")
	require.False(t, netErr.Class.Terminal())

	require.Nil(t, Classify(nil))
}

func TestRedirectErrors(t *testing.T) {
	t.Parallel()

	notFollowed := RedirectNotFollowed(http.StatusFound, nil)
	require.Contains(t, notFollowed.Error(), "redirect")
	require.Contains(t, notFollowed.Error(), "302")

	limit := RedirectLimitError(5)
	require.Equal(t, "Maximum redirect limit (5) exceeded", limit.Error())
	require.ErrorIs(t, limit, ErrRedirectLimit)
	require.True(t, ConfigurationError(errors.New("bad proxy")).Class.Terminal())
}

func TestExcerptDropsBinary(t *testing.T) {
	t.Parallel()

	require.Equal(t, "plain", Excerpt([]byte("plain")))
	require.Empty(t, Excerpt([]byte{0xff, 0xfe, 0xfd}))
	require.Len(t, Excerpt(make([]byte, maxBodyExcerpt+10)), maxBodyExcerpt)
}

func TestUserAgents(t *testing.T) {
	t.Parallel()

	require.True(t, IsAPIClient("curl/8.4.0"))
	require.True(t, IsAPIClient("Go-http-client/1.1"))
	require.False(t, IsAPIClient("Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0"))
	require.Equal(t, DefaultUserAgent, BrowserUserAgent("python-requests/2.31"))
	require.Equal(t, DefaultUserAgent, BrowserUserAgent("  "))
	require.Equal(t, "custom-bot/1.0", BrowserUserAgent("custom-bot/1.0"))
	require.Equal(t, "curl/8.4.0", UserAgentOrDefault("curl/8.4.0"))
}

func TestWaitStrategyLifecycle(t *testing.T) {
	t.Parallel()

	require.Equal(t, "DOMContentLoaded", WaitDOMReady.LifecycleEvent())
	require.Equal(t, "load", WaitStrategy("").LifecycleEvent())
	require.Equal(t, "networkIdle", WaitNetworkIdleStrict.LifecycleEvent())
	require.Equal(t, "networkAlmostIdle", WaitNetworkIdleRelaxed.LifecycleEvent())
	require.False(t, WaitStrategy("soon").Valid())
}
