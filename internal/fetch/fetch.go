// Package fetch implements the bridge's builtin web fetch tool. It
// downloads a URL and reduces the HTML to readable text, stripping
// navigation, scripts, and other boilerplate, so the model receives
// page content instead of markup.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ZinkoSoft/tars-go/internal/httpkit"
)

// DefaultTimeout bounds the whole page download.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes caps the response body read (5 MiB).
const DefaultMaxBytes int64 = 5 << 20

// DefaultMaxChars is the fallback limit on extracted text.
const DefaultMaxChars = 50000

const acceptTypes = "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7"

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher. maxBytes caps the response body read; zero or
// negative means DefaultMaxBytes.
func New(maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: maxBytes,
	}
}

// Fetch downloads the URL and extracts readable text content.
// maxChars limits the output length; 0 uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, errors.New("fetch: url is required")
	}
	rawURL = normalizeURL(rawURL)
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", acceptTypes)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read response: %w", err)
	}

	res := &Result{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	switch classify(res.ContentType, body) {
	case pageHTML:
		res.Title, res.Content = extractHTML(string(body))
	case pageText:
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes", res.ContentType, len(body))
		res.Length = len(body)
		return res, nil
	}

	if len(res.Content) > maxChars {
		res.Content = clipRunes(res.Content, maxChars)
		res.Truncated = true
	}
	res.Length = len(res.Content)
	return res, nil
}

// normalizeURL defaults bare hosts to https.
func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

type pageKind int

const (
	pageHTML pageKind = iota
	pageText
	pageBinary
)

// classify decides how to render the body. Servers mislabel types often
// enough that an unrecognized one still gets a UTF-8 sniff.
func classify(ct string, body []byte) pageKind {
	lc := strings.ToLower(ct)
	switch {
	case strings.Contains(lc, "text/html"), strings.Contains(lc, "application/xhtml"):
		return pageHTML
	case strings.Contains(lc, "text/plain"):
		return pageText
	case utf8.Valid(body):
		return pageText
	default:
		return pageBinary
	}
}

// clipRunes cuts s after max runes without splitting a multi-byte
// character.
func clipRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	seen := 0
	for i := range s {
		if seen == max {
			return s[:i]
		}
		seen++
	}
	return s
}
