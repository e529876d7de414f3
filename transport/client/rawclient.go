package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/opengit/wireproto/log"
)

// RawClient speaks the Git Smart HTTP transport: ref discovery at
// info/refs and the two service POST endpoints. It carries no protocol
// semantics of its own; FetchSession and PushSession build the pkt-line
// payloads this client moves over the wire.
type RawClient interface {
	IsAuthorized(ctx context.Context) (bool, error)
	SmartInfo(ctx context.Context, service string) (io.ReadCloser, error)
	UploadPack(ctx context.Context, body io.Reader) (io.ReadCloser, error)
	ReceivePack(ctx context.Context, body io.Reader) (io.ReadCloser, error)
}

type basicAuth struct{ username, password string }

// HTTPClient is the default RawClient, backed by net/http.
type HTTPClient struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	basicAuth *basicAuth
	tokenAuth *string
	retrier   Retrier
}

// Option configures an HTTPClient at construction time.
type Option func(*HTTPClient) error

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) error {
		if h != nil {
			c.http = h
		}
		return nil
	}
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(agent string) Option {
	return func(c *HTTPClient) error {
		c.userAgent = agent
		return nil
	}
}

// WithBasicAuth sets HTTP Basic Auth credentials. Mutually exclusive with
// WithTokenAuth.
func WithBasicAuth(username, password string) Option {
	return func(c *HTTPClient) error {
		if username == "" {
			return errors.New("client: username cannot be empty")
		}
		if c.tokenAuth != nil {
			return errors.New("client: cannot use both basic auth and token auth")
		}
		c.basicAuth = &basicAuth{username: username, password: password}
		return nil
	}
}

// WithTokenAuth sets the Authorization header verbatim. Callers supply any
// required scheme prefix ("Bearer ", "token ") themselves. Mutually
// exclusive with WithBasicAuth.
func WithTokenAuth(token string) Option {
	return func(c *HTTPClient) error {
		if token == "" {
			return errors.New("client: token cannot be empty")
		}
		if c.basicAuth != nil {
			return errors.New("client: cannot use both basic auth and token auth")
		}
		c.tokenAuth = &token
		return nil
	}
}

// WithRetrier attaches a retrier used around every HTTP round trip. The
// default is NoopRetrier.
func WithRetrier(r Retrier) Option {
	return func(c *HTTPClient) error {
		c.retrier = r
		return nil
	}
}

// NewHTTPClient returns a RawClient bound to repo, an HTTP(S) URL.
func NewHTTPClient(repo string, opts ...Option) (*HTTPClient, error) {
	if repo == "" {
		return nil, errors.New("client: repository URL cannot be empty")
	}

	u, err := url.Parse(repo)
	if err != nil {
		return nil, fmt.Errorf("client: parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("client: only HTTP and HTTPS URLs are supported")
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &HTTPClient{base: u, http: &http.Client{}, retrier: NoopRetrier{}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *HTTPClient) addDefaultHeaders(req *http.Request) {
	req.Header.Set("Git-Protocol", "version=2")
	agent := c.userAgent
	if agent == "" {
		agent = "wireproto/0"
	}
	req.Header.Set("User-Agent", agent)

	switch {
	case c.basicAuth != nil:
		req.SetBasicAuth(c.basicAuth.username, c.basicAuth.password)
	case c.tokenAuth != nil:
		req.Header.Set("Authorization", *c.tokenAuth)
	}
}

// do runs one HTTP request, classifying the response into the structured
// errors above, retried per c.retrier.
func (c *HTTPClient) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, bodyBytes []byte) (*http.Response, error) {
	var res *http.Response
	err := Do(ctx, c.retrier, func(attempt int) error {
		var reqBody io.Reader = body
		if bodyBytes != nil {
			reqBody = strings.NewReader(string(bodyBytes))
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		c.addDefaultHeaders(req)

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}

		if err := CheckServerUnavailable(r); err != nil {
			r.Body.Close()
			return err
		}
		if err := CheckHTTPClientError(r); err != nil {
			r.Body.Close()
			return err
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Body.Close()
			return fmt.Errorf("client: got status code %d: %s", r.StatusCode, r.Status)
		}

		res = r
		return nil
	})
	return res, err
}

// SmartInfo issues the ref-discovery GET against $URL/info/refs?service=...
func (c *HTTPClient) SmartInfo(ctx context.Context, service string) (io.ReadCloser, error) {
	u := c.base.JoinPath("info/refs")
	q := make(url.Values)
	q.Set("service", service)
	u.RawQuery = q.Encode()

	logger := log.FromContext(ctx)
	logger.Debug("transport: smart-info", "url", u.String(), "service", service)

	res, err := c.do(ctx, http.MethodGet, u.String(), "", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("client: smart-info: %w", err)
	}
	return res.Body, nil
}

// UploadPack POSTs body to $URL/git-upload-pack.
func (c *HTTPClient) UploadPack(ctx context.Context, body io.Reader) (io.ReadCloser, error) {
	return c.postService(ctx, "git-upload-pack", "application/x-git-upload-pack-request", body)
}

// ReceivePack POSTs body to $URL/git-receive-pack.
func (c *HTTPClient) ReceivePack(ctx context.Context, body io.Reader) (io.ReadCloser, error) {
	return c.postService(ctx, "git-receive-pack", "application/x-git-receive-pack-request", body)
}

func (c *HTTPClient) postService(ctx context.Context, service, contentType string, body io.Reader) (io.ReadCloser, error) {
	u := c.base.JoinPath(service).String()

	// A retried POST must replay the same bytes; buffer once up front
	// rather than trust an io.Reader to be re-readable.
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("client: buffering %s request: %w", service, err)
	}

	res, err := c.do(ctx, http.MethodPost, u, contentType, nil, data)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", service, err)
	}
	return res.Body, nil
}

// IsAuthorized performs a lightweight connectivity check by requesting the
// upload-pack service advertisement.
func (c *HTTPClient) IsAuthorized(ctx context.Context) (bool, error) {
	body, err := c.SmartInfo(ctx, "git-upload-pack")
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return false, nil
		}
		return false, fmt.Errorf("client: checking authorization: %w", err)
	}
	body.Close()
	return true, nil
}

var _ RawClient = (*HTTPClient)(nil)
