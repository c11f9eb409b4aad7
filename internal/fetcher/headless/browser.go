// Package headless implements the browser-driven fetch strategy with chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrBrowsersClosed is returned once Close has been called.
var ErrBrowsersClosed = errors.New("browser closed")

const (
	viewportWidth  = 1920
	viewportHeight = 1080
	closeTimeout   = 10 * time.Second
)

// BrowserConfig controls how browser processes are launched.
type BrowserConfig struct {
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
	// Headful shows the browser window; the default is headless.
	Headful bool
	Logger   *zap.Logger
}

// Browsers owns the process-wide browser instances. One browser is launched
// per distinct proxy server (a single one when no proxy is used) on first use
// and kept until Close.
type Browsers struct {
	cfg    BrowserConfig
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]*browserInstance
	closed    bool
	closeOnce sync.Once
}

type browserInstance struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBrowsers returns an empty registry. No process is started until Acquire.
func NewBrowsers(cfg BrowserConfig) *Browsers {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browsers{
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*browserInstance),
	}
}

// Acquire returns the browser context for proxyServer, launching the browser
// if needed. Only one launch happens per key even under concurrent callers.
func (b *Browsers) Acquire(ctx context.Context, proxyServer string) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrowsersClosed
	}
	if inst, ok := b.instances[proxyServer]; ok {
		return inst.ctx, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser launch canceled: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(proxyServer)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Debugf),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b.instances[proxyServer] = &browserInstance{
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      browserCancel,
	}
	b.logger.Info("browser started", zap.Bool("proxied", proxyServer != ""), zap.Int("instances", len(b.instances)))
	return browserCtx, nil
}

// Len reports the number of running browsers.
func (b *Browsers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// Close shuts every browser down. It is safe to call more than once and while
// attempts are still running; those attempts fail as their tabs disappear.
func (b *Browsers) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		instances := b.instances
		b.instances = map[string]*browserInstance{}
		b.mu.Unlock()

		for key, inst := range instances {
			closeCtx, cancel := context.WithTimeout(inst.ctx, closeTimeout)
			if err := chromedp.Cancel(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("close browser %q: %w", key, err))
			}
			cancel()
			inst.cancel()
			inst.allocCancel()
		}
	})
	return errors.Join(errs...)
}

func (b *Browsers) allocatorOptions(proxyServer string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("headless", !b.cfg.Headful),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-zygote", true),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if proxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(proxyServer))
	}
	return opts
}
