package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/rss-mailer/app/apperr"
)

const minimalRSS = `<?xml version="1.0"?><rss version="2.0"><channel><title>T</title></channel></rss>`

func TestFetcherAcceptsXMLContentTypes(t *testing.T) {
	for _, contentType := range []string{
		"application/rss+xml",
		"Application/RSS+XML; charset=utf-8",
		"text/xml;charset=UTF-8",
		"application/atom+xml",
		"application/xml",
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("User-Agent") != "rss-mailer-test" {
				t.Errorf("Expected User-Agent header, got %q", r.Header.Get("User-Agent"))
			}
			w.Header().Set("Content-Type", contentType)
			w.Write([]byte(minimalRSS))
		}))

		fetcher := NewFetcher("rss-mailer-test", 5*time.Second, WithHTTPClient(server.Client()))
		raw, err := fetcher.Run(context.Background(), server.URL+"/feed.xml")
		server.Close()

		if err != nil {
			t.Errorf("Expected %q to be accepted, got %v", contentType, err)
			continue
		}
		if string(raw.Body) != minimalRSS {
			t.Errorf("Expected body to be returned, got %q", raw.Body)
		}
		if raw.BaseURL != server.URL+"/feed.xml" {
			t.Errorf("Expected base URL to be the requested URL, got %s", raw.BaseURL)
		}
	}
}

func TestFetcherRejectsOtherContentTypes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	_, err := NewFetcher("", time.Second).Run(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error for HTML content type")
	}
	if apperr.KindOf(err) != apperr.KindTransport {
		t.Errorf("Expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "unsupported content type") {
		t.Errorf("Expected descriptive error, got %v", err)
	}
}

func TestFetcherRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewFetcher("", time.Second).Run(context.Background(), server.URL)
	if apperr.KindOf(err) != apperr.KindTransport {
		t.Errorf("Expected transport error for 502, got %v", err)
	}
}

func TestFetcherNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewFetcher("", time.Second).Run(context.Background(), url)
	if apperr.KindOf(err) != apperr.KindTransport {
		t.Errorf("Expected transport error for closed server, got %v", err)
	}
}

func TestFetcherDecodesDeclaredCharset(t *testing.T) {
	// "café" in ISO-8859-1.
	latin1 := []byte("<?xml version=\"1.0\"?><rss version=\"2.0\"><channel><title>caf\xe9</title></channel></rss>")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=ISO-8859-1")
		w.Write(latin1)
	}))
	defer server.Close()

	raw, err := NewFetcher("", time.Second).Run(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw.Body), "café") {
		t.Errorf("Expected body decoded to UTF-8, got %q", raw.Body)
	}
}

func TestFetchPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><p>page</p></body></html>"))
	}))
	defer server.Close()

	data, err := NewFetcher("", time.Second).FetchPage(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "page") {
		t.Errorf("Expected page body, got %q", data)
	}
}

func TestMediaType(t *testing.T) {
	if got := MediaType(" Text/XML ; charset=utf-8"); got != "text/xml" {
		t.Errorf("Expected 'text/xml', got '%s'", got)
	}
}
