package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/fetch-engine/internal/retry"
)

// Message is the JSON dispatch payload delivered by the queue. Proxy
// credentials travel only here and are never persisted.
type Message struct {
	JobID           string            `json:"job_id"`
	URL             string            `json:"url"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Mode            Mode              `json:"mode"`
	FollowRedirects *bool             `json:"follow_redirects,omitempty"`
	MaxRedirects    int               `json:"max_redirects,omitempty"`
	Retries         int               `json:"retries,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Proxy           *ProxyMessage     `json:"proxy,omitempty"`
	Dynamic         *DynamicMessage   `json:"dynamic,omitempty"`
	Retry           *RetryMessage     `json:"retry,omitempty"`
}

// ProxyMessage is the wire form of ProxySpec.
type ProxyMessage struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// DynamicMessage is the wire form of DynamicOptions.
type DynamicMessage struct {
	WaitUntil       WaitStrategy `json:"wait_until,omitempty"`
	WaitForSelector string       `json:"wait_for_selector,omitempty"`
	WaitTimeoutMs   int          `json:"wait_timeout_ms,omitempty"`
	BlockImages     bool         `json:"block_images,omitempty"`
	BlockCSS        bool         `json:"block_css,omitempty"`
	BlockFonts      bool         `json:"block_fonts,omitempty"`
}

// RetryMessage carries per-job retry overrides.
type RetryMessage struct {
	MaxRetries        int              `json:"max_retries,omitempty"`
	BaseDelayMs       int              `json:"base_delay_ms,omitempty"`
	MaxDelayMs        int              `json:"max_delay_ms,omitempty"`
	BackoffMultiplier float64          `json:"backoff_multiplier,omitempty"`
	Jitter            *bool            `json:"jitter,omitempty"`
	CustomKeywords    []KeywordMessage `json:"custom_keywords,omitempty"`
}

// KeywordMessage is the wire form of a keyword rule.
type KeywordMessage struct {
	Keyword           string  `json:"keyword"`
	CaseSensitive     bool    `json:"case_sensitive,omitempty"`
	RetryDelayMs      int     `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DecodeMessage parses a dispatch payload into a Request.
func DecodeMessage(data []byte) (Request, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Request{}, fmt.Errorf("decode dispatch message: %w", err)
	}
	return msg.Request()
}

// Request validates the message and converts it.
func (m Message) Request() (Request, error) {
	if m.JobID == "" {
		return Request{}, errors.New("job_id is required")
	}
	parsed, err := url.Parse(m.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Request{}, fmt.Errorf("invalid url %q", m.URL)
	}
	mode := Mode(strings.ToLower(string(m.Mode)))
	switch mode {
	case "":
		mode = ModeStatic
	case ModeStatic, ModeDynamic:
	default:
		return Request{}, fmt.Errorf("unknown mode %q", m.Mode)
	}
	req := Request{
		JobID:           m.JobID,
		URL:             m.URL,
		UserAgent:       m.UserAgent,
		Mode:            mode,
		FollowRedirects: true,
		MaxRedirects:    m.MaxRedirects,
		RetryBudget:     m.Retries,
		Headers:         m.Headers,
	}
	if m.FollowRedirects != nil {
		req.FollowRedirects = *m.FollowRedirects
	}
	if req.MaxRedirects <= 0 {
		req.MaxRedirects = DefaultMaxRedirects
	}
	if m.Proxy != nil {
		req.Proxy = &ProxySpec{
			Scheme:   ProxyScheme(strings.ToLower(m.Proxy.Type)),
			Host:     m.Proxy.Address,
			Port:     m.Proxy.Port,
			Username: m.Proxy.Username,
			Password: m.Proxy.Password,
		}
	}
	if m.Dynamic != nil {
		if !m.Dynamic.WaitUntil.Valid() {
			return Request{}, fmt.Errorf("unknown wait_until %q", m.Dynamic.WaitUntil)
		}
		req.Dynamic = &DynamicOptions{
			WaitStrategy:    m.Dynamic.WaitUntil,
			WaitForSelector: m.Dynamic.WaitForSelector,
			WaitTimeout:     time.Duration(m.Dynamic.WaitTimeoutMs) * time.Millisecond,
			BlockImages:     m.Dynamic.BlockImages,
			BlockCSS:        m.Dynamic.BlockCSS,
			BlockFonts:      m.Dynamic.BlockFonts,
		}
	}
	if m.Retry != nil {
		req.Retry = m.Retry.overrides()
	}
	return req, nil
}

func (r RetryMessage) overrides() retry.Overrides {
	o := retry.Overrides{
		MaxAttempts: r.MaxRetries,
		BaseDelay:   time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:  r.BackoffMultiplier,
		Jitter:      r.Jitter,
	}
	for _, kw := range r.CustomKeywords {
		o.CustomKeywords = append(o.CustomKeywords, retry.KeywordRule{
			Pattern:       kw.Keyword,
			CaseSensitive: kw.CaseSensitive,
			ExtraDelay:    time.Duration(kw.RetryDelayMs) * time.Millisecond,
			Multiplier:    kw.BackoffMultiplier,
		})
	}
	return o
}

// NewMessage renders a Request back into its wire form.
func NewMessage(req Request) Message {
	follow := req.FollowRedirects
	msg := Message{
		JobID:           req.JobID,
		URL:             req.URL,
		UserAgent:       req.UserAgent,
		Mode:            req.Mode,
		FollowRedirects: &follow,
		MaxRedirects:    req.MaxRedirects,
		Retries:         req.RetryBudget,
		Headers:         req.Headers,
	}
	if req.Proxy != nil {
		msg.Proxy = &ProxyMessage{
			Type:     string(req.Proxy.Scheme),
			Address:  req.Proxy.Host,
			Port:     req.Proxy.Port,
			Username: req.Proxy.Username,
			Password: req.Proxy.Password,
		}
	}
	if req.Dynamic != nil {
		msg.Dynamic = &DynamicMessage{
			WaitUntil:       req.Dynamic.WaitStrategy,
			WaitForSelector: req.Dynamic.WaitForSelector,
			WaitTimeoutMs:   int(req.Dynamic.WaitTimeout / time.Millisecond),
			BlockImages:     req.Dynamic.BlockImages,
			BlockCSS:        req.Dynamic.BlockCSS,
			BlockFonts:      req.Dynamic.BlockFonts,
		}
	}
	if !req.Retry.IsZero() {
		rm := &RetryMessage{
			MaxRetries:        req.Retry.MaxAttempts,
			BaseDelayMs:       int(req.Retry.BaseDelay / time.Millisecond),
			MaxDelayMs:        int(req.Retry.MaxDelay / time.Millisecond),
			BackoffMultiplier: req.Retry.Multiplier,
			Jitter:            req.Retry.Jitter,
		}
		for _, kw := range req.Retry.CustomKeywords {
			rm.CustomKeywords = append(rm.CustomKeywords, KeywordMessage{
				Keyword:           kw.Pattern,
				CaseSensitive:     kw.CaseSensitive,
				RetryDelayMs:      int(kw.ExtraDelay / time.Millisecond),
				BackoffMultiplier: kw.Multiplier,
			})
		}
		msg.Retry = rm
	}
	return msg
}
