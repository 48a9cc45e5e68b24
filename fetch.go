package fieldsync

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is an outbound API call. Bodies are opaque bytes; the engine is
// protocol-agnostic beyond "JSON-serializable payload".
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the outcome of a fetch.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the response status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// resourceURL appends query parameters to a resource endpoint.
func resourceURL(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return endpoint + "?" + query.Encode()
}

// Fetcher is the authenticated HTTP fetch primitive the engine consumes from
// the surrounding application.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch calls the wrapped function.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// TokenSource supplies the current auth token. Tokens may have rotated since
// a mutation was queued, so replay always stamps a fresh Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, useful for tests.
type StaticTokenSource string

// Token returns the fixed token.
func (s StaticTokenSource) Token(_ context.Context) (string, error) {
	return string(s), nil
}

// HTTPFetcher implements Fetcher with net/http.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with a platform-level request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch performs the HTTP request and buffers the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   data,
	}, nil
}
