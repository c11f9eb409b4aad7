// Package fetch defines the request, result and error types shared by the
// fetch strategies, the executor and the worker pool.
package fetch

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JakeFAU/fetch-engine/internal/retry"
)

// Mode selects the fetch strategy.
type Mode string

// Supported fetch modes.
const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// WaitStrategy controls when a browser navigation counts as settled.
type WaitStrategy string

// Wait strategies, named after the lifecycle event each one waits for.
const (
	WaitDOMReady           WaitStrategy = "domcontentloaded"
	WaitLoad               WaitStrategy = "load"
	WaitNetworkIdleStrict  WaitStrategy = "networkidle0"
	WaitNetworkIdleRelaxed WaitStrategy = "networkidle2"
)

// LifecycleEvent returns the DevTools Page.lifecycleEvent name the strategy waits for.
func (w WaitStrategy) LifecycleEvent() string {
	switch w {
	case WaitDOMReady:
		return "DOMContentLoaded"
	case WaitNetworkIdleStrict:
		return "networkIdle"
	case WaitNetworkIdleRelaxed:
		return "networkAlmostIdle"
	default:
		return "load"
	}
}

// Valid reports whether w is a known strategy. The zero value is valid and means WaitLoad.
func (w WaitStrategy) Valid() bool {
	switch w {
	case "", WaitDOMReady, WaitLoad, WaitNetworkIdleStrict, WaitNetworkIdleRelaxed:
		return true
	}
	return false
}

// Defaults applied to dynamic requests.
const (
	DefaultWaitTimeout  = 30 * time.Second
	DefaultMaxRedirects = 5
)

// DynamicOptions tunes a browser-driven fetch.
type DynamicOptions struct {
	WaitStrategy    WaitStrategy
	WaitForSelector string
	WaitTimeout     time.Duration
	BlockImages     bool
	BlockCSS        bool
	BlockFonts      bool
}

// Blocking reports whether any resource type should be filtered.
func (o DynamicOptions) Blocking() bool {
	return o.BlockImages || o.BlockCSS || o.BlockFonts
}

// Timeout returns the wait timeout, falling back to DefaultWaitTimeout.
func (o DynamicOptions) Timeout() time.Duration {
	if o.WaitTimeout <= 0 {
		return DefaultWaitTimeout
	}
	return o.WaitTimeout
}

// ProxyScheme is the protocol spoken to the proxy server.
type ProxyScheme string

// Supported proxy schemes.
const (
	ProxyHTTP   ProxyScheme = "http"
	ProxyHTTPS  ProxyScheme = "https"
	ProxySOCKS5 ProxyScheme = "socks5"
)

// ProxySpec describes an upstream proxy. Credentials are optional.
type ProxySpec struct {
	Scheme   ProxyScheme
	Host     string
	Port     int
	Username string
	Password string
}

// HasAuth reports whether credentials were supplied.
func (p ProxySpec) HasAuth() bool {
	return p.Username != ""
}

// String renders the proxy without its password so it can be logged.
func (p ProxySpec) String() string {
	hostPort := p.Host + ":" + strconv.Itoa(p.Port)
	if p.HasAuth() {
		return fmt.Sprintf("%s://%s:***@%s", p.Scheme, p.Username, hostPort)
	}
	return fmt.Sprintf("%s://%s", p.Scheme, hostPort)
}

// Request is one fetch job. It is not mutated once handed to the executor.
type Request struct {
	JobID           string
	URL             string
	UserAgent       string
	Mode            Mode
	FollowRedirects bool
	MaxRedirects    int
	RetryBudget     int
	Headers         map[string]string
	Proxy           *ProxySpec
	Dynamic         *DynamicOptions
	Retry           retry.Overrides
}

// RedirectCap returns the redirect limit, defaulting to DefaultMaxRedirects.
func (r Request) RedirectCap() int {
	if r.MaxRedirects < 1 {
		return DefaultMaxRedirects
	}
	return r.MaxRedirects
}

// DynamicOrDefault returns the dynamic options or their zero value.
func (r Request) DynamicOrDefault() DynamicOptions {
	if r.Dynamic == nil {
		return DynamicOptions{}
	}
	return *r.Dynamic
}

// Response is the product of one successful attempt.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Redirects  int
}

// Status is the terminal state recorded for a job.
type Status string

// Terminal job states.
const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the terminal outcome of a Request. It is produced once and never
// mutated afterward.
type Result struct {
	JobID          string         `json:"job_id"`
	URL            string         `json:"url"`
	Mode           Mode           `json:"mode"`
	Success        bool           `json:"success"`
	Body           string         `json:"body,omitempty"`
	Error          string         `json:"error,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
	FinalURL       string         `json:"final_url,omitempty"`
	AttemptsUsed   int            `json:"attempts_used"`
	RetryReasons   []string       `json:"retry_reasons,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	Title          string         `json:"title,omitempty"`
	BodyURI        string         `json:"body_uri,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Status maps the success flag onto the persisted job status.
func (r Result) Status() Status {
	if r.Success {
		return StatusCompleted
	}
	return StatusFailed
}

// Duration is the wall time between start and finish.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
