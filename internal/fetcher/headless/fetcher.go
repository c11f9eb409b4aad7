package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
	"github.com/JakeFAU/fetch-engine/internal/proxy"
)

// DefaultNavigationTimeout caps one whole attempt, redirects included.
const DefaultNavigationTimeout = 45 * time.Second

// errAttemptTimeout is the cause attached to the attempt deadline so that
// contexts derived from it can tell the ceiling apart from job cancellation.
var errAttemptTimeout = errors.New("attempt timeout exceeded")

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrently open tabs; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

// Fetcher performs one browser-driven fetch per call.
type Fetcher struct {
	cfg        Config
	browsers   *Browsers
	transports *proxy.Builder
	limiter    chan struct{}
	logger     *zap.Logger
}

// New creates a headless fetcher that opens tabs in browsers.
func New(browsers *Browsers, transports *proxy.Builder, cfg Config) (*Fetcher, error) {
	if browsers == nil {
		return nil, errors.New("browsers registry is required")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if transports == nil {
		transports = proxy.NewBuilder()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		browsers:   browsers,
		transports: transports,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Fetch opens an isolated tab, navigates (following redirects by hand when
// requested), waits as configured and returns the rendered document.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	opts := req.DynamicOrDefault()
	proxyServer := ""
	var proxyTransport *proxy.Transport
	if req.Proxy != nil {
		t, err := f.transports.Transport(*req.Proxy)
		if err != nil {
			return fetch.Response{}, err
		}
		proxyTransport = t
		proxyServer = t.ServerURL()
	}

	if err := f.acquire(ctx); err != nil {
		return fetch.Response{}, fetch.NetworkError(err)
	}
	defer f.release()

	browserCtx, err := f.browsers.Acquire(ctx, proxyServer)
	if err != nil {
		return fetch.Response{}, fetch.NetworkError(err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer func() {
		if err := chromedp.Cancel(tabCtx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Debug("close tab", zap.Error(err))
		}
		tabCancel()
	}()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	// Allocate the tab before any timeout is attached so a deadline never
	// tears down the target mid-setup.
	if err := chromedp.Run(tabCtx); err != nil {
		return fetch.Response{}, fetch.NetworkError(fmt.Errorf("open tab: %w", err))
	}
	mainFrame := cdp.FrameID(chromedp.FromContext(tabCtx).Target.TargetID)
	state := newTabState(f.logger, mainFrame, newBlockSet(opts), req.FollowRedirects)
	if proxyTransport != nil {
		if user, pass, ok := proxyTransport.Credentials(); ok {
			state.setProxyAuth(user, pass)
		}
	}
	chromedp.ListenTarget(tabCtx, state.listener(tabCtx))

	attemptCtx, cancel := f.withAttemptTimeout(tabCtx)
	defer cancel()

	if err := chromedp.Run(attemptCtx, f.setupAction(req, state)); err != nil {
		return fetch.Response{}, f.classify(attemptCtx, err, "tab setup")
	}

	redirects, err := f.navigateWithRedirects(attemptCtx, req, opts, state)
	if err != nil {
		return fetch.Response{}, err
	}

	if opts.WaitForSelector != "" {
		if err := f.waitForSelector(attemptCtx, opts); err != nil {
			return fetch.Response{}, err
		}
	}

	var html, finalURL string
	if err := chromedp.Run(attemptCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return fetch.Response{}, f.classify(attemptCtx, err, "capture content")
	}

	status, headers, responseURL := state.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	if finalURL != "" {
		responseURL = finalURL
	}
	if responseURL == "" {
		responseURL = req.URL
	}
	return fetch.Response{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Redirects:  redirects,
	}, nil
}

func (f *Fetcher) setupAction(req fetch.Request, state *tabState) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if err := emulation.SetUserAgentOverride(f.userAgent(req.UserAgent)).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := chromedp.EmulateViewport(viewportWidth, viewportHeight).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if len(req.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if patterns := state.patterns(); len(patterns) > 0 {
			enable := cdpfetch.Enable().WithPatterns(patterns).WithHandleAuthRequests(state.withAuth)
			if err := enable.Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		return nil
	})
}

// navigateWithRedirects navigates to req.URL once when redirects are not
// followed. Otherwise every captured hop is resolved and navigated again until
// a non-redirect response arrives or the hop count passes the cap.
func (f *Fetcher) navigateWithRedirects(
	ctx context.Context,
	req fetch.Request,
	opts fetch.DynamicOptions,
	state *tabState,
) (int, error) {
	if !req.FollowRedirects {
		_, err := f.navigate(ctx, req.URL, opts, state)
		return 0, err
	}
	limit := req.RedirectCap()
	target := req.URL
	for hops := 0; ; {
		hop, err := f.navigate(ctx, target, opts, state)
		if err != nil {
			return hops, err
		}
		if hop != nil {
			hops++
		}
		if total := hops + state.nativeRedirects(); total > limit {
			return total, fetch.RedirectLimitError(limit)
		}
		if hop == nil {
			return hops + state.nativeRedirects(), nil
		}
		next, err := resolveLocation(target, hop.location)
		if err != nil {
			return hops, fetch.NetworkError(err)
		}
		f.logger.Debug("following redirect",
			zap.Int("status", hop.status),
			zap.String("from", target),
			zap.String("to", next),
			zap.Int("hop", hops),
		)
		target = next
	}
}

// navigate performs one page navigation bounded by the wait timeout. It
// returns the captured redirect, if any, instead of waiting for the page.
func (f *Fetcher) navigate(
	ctx context.Context,
	target string,
	opts fetch.DynamicOptions,
	state *tabState,
) (*redirectHop, error) {
	timeout := opts.Timeout()
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var hop *redirectHop
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, loaderID, errorText, _, err := page.Navigate(target).Do(ctx)
		if err != nil {
			return err
		}
		if hop = state.takeRedirect(); hop != nil {
			return nil
		}
		if errorText != "" {
			return fetch.NetworkError(fmt.Errorf("page load error %s", errorText))
		}
		return state.waitLifecycle(ctx, loaderID, opts.WaitStrategy.LifecycleEvent())
	}))
	if err == nil {
		return hop, nil
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &fetch.Error{
			Class:   fetch.ClassNavigationTimeout,
			Message: fmt.Sprintf("Navigation timeout of %d ms exceeded", timeout.Milliseconds()),
			Err:     err,
		}
	}
	return nil, f.classify(ctx, err, "navigate")
}

func (f *Fetcher) waitForSelector(ctx context.Context, opts fetch.DynamicOptions) error {
	timeout := opts.Timeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := chromedp.Run(waitCtx, chromedp.WaitReady(opts.WaitForSelector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &fetch.Error{
			Class:   fetch.ClassSelectorTimeout,
			Message: fmt.Sprintf("Waiting for selector `%s` failed: timeout %d ms exceeded", opts.WaitForSelector, timeout.Milliseconds()),
			Err:     err,
		}
	}
	return f.classify(ctx, err, "wait for selector")
}

func (f *Fetcher) withAttemptTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, f.cfg.NavigationTimeout, errAttemptTimeout)
}

// classify maps chromedp errors onto fetch failures. ctx is the attempt
// context or one derived from it. An expired attempt deadline is a navigation
// timeout; everything else is a network failure.
func (f *Fetcher) classify(ctx context.Context, err error, step string) error {
	var classified *fetch.Error
	if errors.As(err, &classified) {
		return classified
	}
	attemptExpired := errors.Is(context.Cause(ctx), errAttemptTimeout)
	if attemptExpired || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		return &fetch.Error{
			Class:   fetch.ClassNavigationTimeout,
			Message: fmt.Sprintf("%s: attempt timeout of %d ms exceeded", step, f.cfg.NavigationTimeout.Milliseconds()),
			Err:     err,
		}
	}
	return fetch.NetworkError(fmt.Errorf("%s: %w", step, err))
}

func (f *Fetcher) userAgent(requested string) string {
	if requested != "" && !fetch.IsAPIClient(requested) {
		return requested
	}
	if f.cfg.UserAgent != "" && !fetch.IsAPIClient(f.cfg.UserAgent) {
		return f.cfg.UserAgent
	}
	return fetch.DefaultUserAgent
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func executorContext(ctx context.Context) context.Context {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return ctx
	}
	return cdp.WithExecutor(ctx, c.Target)
}
