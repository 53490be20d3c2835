package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/lysyi3m/rss-mailer/app/apperr"
)

const maxBodySize = 10 << 20

var feedContentTypes = map[string]bool{
	"text/xml":             true,
	"application/xml":      true,
	"application/atom+xml": true,
	"application/rss+xml":  true,
}

var pageContentTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(client HTTPClient) FetcherOption {
	return func(f *Fetcher) {
		f.httpClient = client
	}
}

type Fetcher struct {
	httpClient HTTPClient
	userAgent  string
	timeout    time.Duration
}

func NewFetcher(userAgent string, timeout time.Duration, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		httpClient: http.DefaultClient,
		userAgent:  userAgent,
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run downloads a feed document. Only XML media types are accepted.
func (f *Fetcher) Run(ctx context.Context, url string) (*RawFeedResponse, error) {
	body, err := f.get(ctx, url, feedContentTypes, true)
	if err != nil {
		return nil, apperr.Transport("fetch feed", url, err)
	}

	return &RawFeedResponse{Body: body, BaseURL: url}, nil
}

// FetchPage downloads an HTML page and returns it decoded to UTF-8.
func (f *Fetcher) FetchPage(ctx context.Context, url string) ([]byte, error) {
	body, err := f.get(ctx, url, pageContentTypes, false)
	if err != nil {
		return nil, apperr.Transport("fetch page", url, err)
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string, accepted map[string]bool, xmlDocument bool) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !accepted[MediaType(contentType)] {
		return nil, fmt.Errorf("unsupported content type: %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	slog.Debug("Fetched URL",
		"url", url,
		"status", resp.StatusCode,
		"content_type", contentType,
		"bytes", len(body),
		"duration", time.Since(start))

	return decodeBody(body, contentType, xmlDocument), nil
}

// MediaType lower-cases a Content-Type value and drops its parameters.
func MediaType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// decodeBody converts the body to UTF-8 when the response declares another
// charset. XML documents that declare their own encoding are left for the
// XML decoder.
func decodeBody(body []byte, contentType string, xmlDocument bool) []byte {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}

	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body
	}
	if xmlDocument && declaresEncoding(body) {
		return body
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		slog.Warn("Unknown response charset, using body as is", "charset", charset)
		return body
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		slog.Warn("Failed to decode response body", "charset", charset, "error", err)
		return body
	}
	return decoded
}

func declaresEncoding(body []byte) bool {
	head := body
	if len(head) > 256 {
		head = head[:256]
	}
	if !bytes.HasPrefix(bytes.TrimSpace(head), []byte("<?xml")) {
		return false
	}
	end := bytes.Index(head, []byte("?>"))
	return end > 0 && bytes.Contains(head[:end], []byte("encoding="))
}
