package scanner

import (
	"regexp"
	"sync"
)

// TunnelURLPattern matches the public URL printed by a cloudflared quick tunnel.
var TunnelURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// URLCapture watches output chunks and reports the first URL match exactly
// once. Later matches, including ones on other streams sharing the same
// capture, are ignored. Safe for concurrent Feed calls.
type URLCapture struct {
	pattern   *regexp.Regexp
	onCapture func(url string)

	mu       sync.Mutex
	captured bool
}

// NewURLCapture returns a capture using pattern; a nil pattern means TunnelURLPattern.
// onCapture may be nil.
func NewURLCapture(pattern *regexp.Regexp, onCapture func(url string)) *URLCapture {
	if pattern == nil {
		pattern = TunnelURLPattern
	}
	return &URLCapture{pattern: pattern, onCapture: onCapture}
}

// Feed scans one chunk of output. It returns the URL and true only on the
// call that performs the capture.
func (c *URLCapture) Feed(chunk string) (string, bool) {
	c.mu.Lock()
	if c.captured {
		c.mu.Unlock()
		return "", false
	}
	url := c.pattern.FindString(chunk)
	if url == "" {
		c.mu.Unlock()
		return "", false
	}
	c.captured = true
	c.mu.Unlock()

	if c.onCapture != nil {
		c.onCapture(url)
	}
	return url, true
}
