package portpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/conductorone/p2pvps-lease/pkg/uhttp"
)

// Client talks to a remote port allocator service.
//
//	POST   {base}/ports         -> 200 Assignment
//	DELETE {base}/ports/{port}  -> 204, or 404 when the port is not allocated
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    uhttp.HttpClient
}

var _ Allocator = (*Client)(nil)

// NewClient builds a Client for baseURL. timeout bounds every call; zero means no bound.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, opts ...uhttp.ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("portpool: invalid allocator url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("portpool: invalid allocator url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:    u,
		timeout: timeout,
		http:    uhttp.NewBaseHttpClient(httpClient, opts...),
	}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) RequestPort(ctx context.Context) (Assignment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.http.NewRequest(ctx, http.MethodPost, c.base.JoinPath("ports"), uhttp.WithAcceptJSONHeader())
	if err != nil {
		return Assignment{}, fmt.Errorf("portpool: request port: %w", err)
	}

	var a Assignment
	if _, err := c.http.Do(req, uhttp.WithJSONResponse(&a)); err != nil {
		if uhttp.StatusCode(err) == http.StatusServiceUnavailable {
			return Assignment{}, ErrNoPortAvailable
		}
		return Assignment{}, fmt.Errorf("portpool: request port: %w", err)
	}
	if a.Port <= 0 {
		return Assignment{}, errors.New("portpool: request port: allocator returned no port")
	}
	return a, nil
}

func (c *Client) ReleasePort(ctx context.Context, port int) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.http.NewRequest(ctx, http.MethodDelete, c.base.JoinPath("ports", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("portpool: release port %d: %w", port, err)
	}
	if _, err := c.http.Do(req); err != nil {
		if uhttp.StatusCode(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %d", ErrPortNotAllocated, port)
		}
		return fmt.Errorf("portpool: release port %d: %w", port, err)
	}
	return nil
}
