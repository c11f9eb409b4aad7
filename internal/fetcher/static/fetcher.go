// Package static implements the plain HTTP fetch strategy using gocolly.
package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
	"github.com/JakeFAU/fetch-engine/internal/proxy"
)

// Defaults for the static strategy.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int
	Logger       *zap.Logger
}

// Fetcher performs one HTTP GET per call. It is safe for concurrent use.
type Fetcher struct {
	cfg        Config
	transports *proxy.Builder
	logger     *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt collects what the collector callbacks observed.
type attempt struct {
	response fetch.Response
	err      error
}

// New builds a Fetcher.
func New(cfg Config, transports *proxy.Builder) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if transports == nil {
		transports = proxy.NewBuilder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, transports: transports, logger: logger}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	transport, err := f.transports.RoundTripper(req.Proxy)
	if err != nil {
		return fetch.Response{}, err
	}
	var out attempt
	collector := f.buildCollector(ctx, req, transport, &out)
	if err := f.runCollector(ctx, collector, req, &out); err != nil {
		return fetch.Response{}, err
	}
	return out.response, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	req fetch.Request,
	transport http.RoundTripper,
	out *attempt,
) *colly.Collector {
	collector := colly.NewCollector(
		colly.UserAgent(fetch.UserAgentOrDefault(req.UserAgent)),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.StdlibContext(ctx),
	)
	collector.WithTransport(transport)
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.SetRedirectHandler(redirectPolicy(req))
	f.configureCollectorHooks(collector, req, out)
	return collector
}

// redirectPolicy stops at the first redirect when following is disabled and
// fails once the chain grows past the request's cap.
func redirectPolicy(req fetch.Request) func(*http.Request, []*http.Request) error {
	limit := req.RedirectCap()
	return func(_ *http.Request, via []*http.Request) error {
		if !req.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) > limit {
			return fetch.ErrRedirectLimit
		}
		return nil
	}
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, req fetch.Request, out *attempt) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range req.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		switch {
		case r.StatusCode >= 300 && r.StatusCode < 400 && !req.FollowRedirects:
			out.err = fetch.RedirectNotFollowed(r.StatusCode, headers)
		case r.StatusCode < 200 || r.StatusCode >= 300:
			out.err = fetch.HTTPError(r.StatusCode, headers, r.Body)
		default:
			out.response = fetch.Response{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
			}
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// HTTP-level failures are classified in OnResponse.
			return
		}
		out.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req fetch.Request, out *attempt) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return fetch.NetworkError(fmt.Errorf("static fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if out.err != nil {
			err = out.err
		}
		if err == nil && out.response.StatusCode == 0 {
			err = errors.New("no response received")
		}
		if err == nil {
			return nil
		}
		var classified *fetch.Error
		if errors.As(err, &classified) {
			return classified
		}
		if errors.Is(err, fetch.ErrRedirectLimit) {
			f.logger.Debug("redirect cap reached", zap.String("url", req.URL), zap.Int("max_redirects", req.RedirectCap()))
			return fetch.RedirectLimitError(req.RedirectCap())
		}
		return fetch.NetworkError(err)
	}
}
