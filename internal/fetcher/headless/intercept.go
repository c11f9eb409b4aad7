package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

// blockSet is the set of resource types aborted before they are requested.
type blockSet map[network.ResourceType]bool

func newBlockSet(opts fetch.DynamicOptions) blockSet {
	set := blockSet{}
	if opts.BlockImages {
		set[network.ResourceTypeImage] = true
	}
	if opts.BlockCSS {
		set[network.ResourceTypeStylesheet] = true
	}
	if opts.BlockFonts {
		set[network.ResourceTypeFont] = true
	}
	return set
}

func (b blockSet) blocks(rt network.ResourceType) bool {
	return b[rt]
}

// redirectHop is a main-frame redirect captured and aborted by the interceptor.
type redirectHop struct {
	status   int
	location string
}

// tabState is shared between the event listener and the navigation loop of a
// single tab.
type tabState struct {
	logger    *zap.Logger
	mainFrame cdp.FrameID
	blocked   blockSet
	follow    bool
	username  string
	password  string
	withAuth  bool

	mu        sync.Mutex
	lifecycle map[cdp.LoaderID]map[string]bool
	notify    chan struct{}
	redirect  *redirectHop
	native    int
	status    int
	headers   http.Header
	url       string
}

func newTabState(logger *zap.Logger, mainFrame cdp.FrameID, blocked blockSet, follow bool) *tabState {
	return &tabState{
		logger:    logger,
		mainFrame: mainFrame,
		blocked:   blocked,
		follow:    follow,
		lifecycle: make(map[cdp.LoaderID]map[string]bool),
		notify:    make(chan struct{}),
		headers:   http.Header{},
	}
}

func (s *tabState) setProxyAuth(username, password string) {
	s.username, s.password, s.withAuth = username, password, true
}

// interceptRequests reports whether the Fetch domain must pause requests
// before they are sent.
func (s *tabState) interceptRequests() bool {
	return len(s.blocked) > 0 || s.withAuth
}

func (s *tabState) patterns() []*cdpfetch.RequestPattern {
	var patterns []*cdpfetch.RequestPattern
	if s.interceptRequests() {
		patterns = append(patterns, &cdpfetch.RequestPattern{URLPattern: "*", RequestStage: cdpfetch.RequestStageRequest})
	}
	if s.follow {
		patterns = append(patterns, &cdpfetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: network.ResourceTypeDocument,
			RequestStage: cdpfetch.RequestStageResponse,
		})
	}
	return patterns
}

// listener handles target events. It runs on chromedp's event loop, so any
// command it issues is sent from a new goroutine.
func (s *tabState) listener(ctx context.Context) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			s.recordLifecycle(e)
		case *network.EventResponseReceived:
			s.recordResponse(e)
		case *network.EventRequestWillBeSent:
			s.recordNativeRedirect(e)
		case *cdpfetch.EventRequestPaused:
			go s.handlePaused(ctx, e)
		case *cdpfetch.EventAuthRequired:
			go s.handleAuth(ctx, e)
		}
	}
}

func (s *tabState) recordLifecycle(e *page.EventLifecycleEvent) {
	if e.FrameID != s.mainFrame {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names, ok := s.lifecycle[e.LoaderID]
	if !ok {
		names = map[string]bool{}
		s.lifecycle[e.LoaderID] = names
	}
	names[e.Name] = true
	close(s.notify)
	s.notify = make(chan struct{})
}

// waitLifecycle blocks until the main frame's loader emits name.
func (s *tabState) waitLifecycle(ctx context.Context, loaderID cdp.LoaderID, name string) error {
	for {
		s.mu.Lock()
		seen := s.lifecycle[loaderID][name]
		ch := s.notify
		s.mu.Unlock()
		if seen {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *tabState) recordResponse(e *network.EventResponseReceived) {
	if e.Type != network.ResourceTypeDocument || e.Response == nil || e.FrameID != s.mainFrame {
		return
	}
	headers := fromNetworkHeaders(e.Response.Headers)
	s.mu.Lock()
	s.status = int(e.Response.Status)
	s.headers = headers
	s.url = e.Response.URL
	s.mu.Unlock()
}

// recordNativeRedirect counts main-frame redirects the browser followed on
// its own, which happens when a redirect was not paused for interception.
func (s *tabState) recordNativeRedirect(e *network.EventRequestWillBeSent) {
	if e.RedirectResponse == nil || e.Type != network.ResourceTypeDocument || e.FrameID != s.mainFrame {
		return
	}
	s.mu.Lock()
	s.native++
	s.mu.Unlock()
}

func (s *tabState) nativeRedirects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.native
}

func (s *tabState) snapshot() (int, http.Header, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.headers.Clone(), s.url
}

func (s *tabState) takeRedirect() *redirectHop {
	s.mu.Lock()
	defer s.mu.Unlock()
	hop := s.redirect
	s.redirect = nil
	return hop
}

func (s *tabState) handlePaused(ctx context.Context, e *cdpfetch.EventRequestPaused) {
	exec := executorContext(ctx)
	atResponse := e.ResponseStatusCode != 0 || e.ResponseErrorReason != ""
	if !atResponse && s.blocked.blocks(e.ResourceType) {
		s.report("block request", cdpfetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(exec))
		return
	}
	if atResponse && s.follow && e.FrameID == s.mainFrame && e.ResourceType == network.ResourceTypeDocument {
		status := int(e.ResponseStatusCode)
		location := headerValue(e.ResponseHeaders, "Location")
		if status >= 300 && status < 400 && location != "" {
			s.mu.Lock()
			s.redirect = &redirectHop{status: status, location: location}
			s.mu.Unlock()
			s.report("abort redirect", cdpfetch.FailRequest(e.RequestID, network.ErrorReasonAborted).Do(exec))
			return
		}
	}
	s.report("continue request", cdpfetch.ContinueRequest(e.RequestID).Do(exec))
}

// report logs interception command failures; they usually mean the tab closed.
func (s *tabState) report(step string, err error) {
	if err != nil {
		s.logger.Debug("interception command failed", zap.String("step", step), zap.Error(err))
	}
}

func (s *tabState) handleAuth(ctx context.Context, e *cdpfetch.EventAuthRequired) {
	response := &cdpfetch.AuthChallengeResponse{Response: cdpfetch.AuthChallengeResponseResponseDefault}
	if s.withAuth && e.AuthChallenge != nil && e.AuthChallenge.Source == cdpfetch.AuthChallengeSourceProxy {
		response = &cdpfetch.AuthChallengeResponse{
			Response: cdpfetch.AuthChallengeResponseResponseProvideCredentials,
			Username: s.username,
			Password: s.password,
		}
	}
	s.report("continue with auth", cdpfetch.ContinueWithAuth(e.RequestID, response).Do(executorContext(ctx)))
}

func headerValue(entries []*cdpfetch.HeaderEntry, name string) string {
	for _, entry := range entries {
		if entry != nil && http.CanonicalHeaderKey(entry.Name) == http.CanonicalHeaderKey(name) {
			return entry.Value
		}
	}
	return ""
}

// resolveLocation resolves a Location header against the URL that returned it.
func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func fromNetworkHeaders(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
