package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds connection setup and response headers.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "setupkit/1.0"
	// DefaultMaxRedirects bounds a redirect chain.
	DefaultMaxRedirects = 10
)

// Credentials authenticate against a repository.
type Credentials struct {
	Username string
	Password string
}

// Request asks a transport for the bytes of URL starting at Offset.
type Request struct {
	URL         string
	Offset      int64
	Credentials *Credentials
}

// Response is an open stream. Offset is where the body actually starts, which is 0
// when the transport could not honor the requested offset. Total is the full size
// of the resource, or -1 when unknown.
type Response struct {
	Body     io.ReadCloser
	Offset   int64
	Total    int64
	FinalURL string
}

// Transport opens resources for one or more URL schemes.
type Transport interface {
	Open(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport fetches over HTTP(S) with range requests, basic auth and redirect
// loop detection.
type HTTPTransport struct {
	Client       *http.Client
	UserAgent    string
	MaxRedirects int
}

// NewHTTPTransport creates a transport with default settings.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   DefaultTimeout,
				ResponseHeaderTimeout: DefaultTimeout,
			},
		},
		UserAgent:    DefaultUserAgent,
		MaxRedirects: DefaultMaxRedirects,
	}
}

var realmPattern = regexp.MustCompile(`realm="([^"]*)"`)

func (t *HTTPTransport) Open(ctx context.Context, req Request) (*Response, error) {
	base := t.Client
	if base == nil {
		base = http.DefaultClient
	}
	maxRedirects := t.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	client := *base
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		next := r.URL.String()
		for _, prev := range via {
			if prev.URL.String() == next {
				return &Error{Kind: KindRedirectLoop, URL: req.URL, Err: fmt.Errorf("%w: %s revisited", ErrRedirectLoop, next)}
			}
		}
		if len(via) >= maxRedirects {
			return &Error{Kind: KindRedirectLoop, URL: req.URL, Err: fmt.Errorf("%w: more than %d redirects", ErrRedirectLoop, maxRedirects)}
		}
		if req.Credentials != nil && r.URL.Host == via[0].URL.Host {
			r.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
		}
		return nil
	}

	resp, err := t.do(ctx, &client, req, req.Offset)
	if err != nil {
		return nil, err
	}

	// The partial file is larger than the resource: start over.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && req.Offset > 0 {
		resp.Body.Close()
		if resp, err = t.do(ctx, &client, req, 0); err != nil {
			return nil, err
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Response{Body: resp.Body, Offset: 0, Total: resp.ContentLength, FinalURL: resp.Request.URL.String()}, nil

	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			resp.Body.Close()
			return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: fmt.Errorf("malformed Content-Range %q", resp.Header.Get("Content-Range"))}
		}
		return &Response{Body: resp.Body, Offset: start, Total: total, FinalURL: resp.Request.URL.String()}, nil

	case http.StatusUnauthorized, http.StatusProxyAuthRequired:
		resp.Body.Close()
		header := resp.Header.Get("WWW-Authenticate")
		if resp.StatusCode == http.StatusProxyAuthRequired {
			header = resp.Header.Get("Proxy-Authenticate")
		}
		realm := ""
		if m := realmPattern.FindStringSubmatch(header); m != nil {
			realm = m[1]
		}
		return nil, &Error{Kind: KindAuth, URL: req.URL, Realm: realm, StatusCode: resp.StatusCode, Err: ErrAuthenticationRequired}

	default:
		resp.Body.Close()
		return nil, &Error{Kind: KindStatus, URL: req.URL, StatusCode: resp.StatusCode}
	}
}

func (t *HTTPTransport) do(ctx context.Context, client *http.Client, req Request, offset int64) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: req.URL, Err: fmt.Errorf("create request: %w", err)}
	}

	ua := t.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	httpReq.Header.Set("User-Agent", ua)
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if req.Credentials != nil {
		httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		var dlErr *Error
		if errors.As(err, &dlErr) {
			return nil, dlErr
		}
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	return resp, nil
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

// FileTransport reads local files addressed by file:// URLs or plain paths.
type FileTransport struct{}

func (FileTransport) Open(ctx context.Context, req Request) (*Response, error) {
	path, err := localPath(req.URL)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: req.URL, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}

	offset := req.Offset
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	return &Response{Body: f, Offset: offset, Total: info.Size(), FinalURL: req.URL}, nil
}

func localPath(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	return u.Path, nil
}
