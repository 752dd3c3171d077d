package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/lease"
	"github.com/conductorone/p2pvps-lease/pkg/leaseapi"
	"github.com/conductorone/p2pvps-lease/pkg/uhttp"
)

// ErrUnknownDevice is returned when the lease API does not know the device id.
var ErrUnknownDevice = errors.New("agent: device is not provisioned")

// Client calls the lease API on behalf of a device.
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    uhttp.HttpClient
}

func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, opts ...uhttp.ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("agent: invalid server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("agent: invalid server url %q", baseURL)
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

func (c *Client) call(ctx context.Context, method string, u *url.URL, out interface{}, opts ...uhttp.RequestOption) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts = append(opts, uhttp.WithAcceptJSONHeader())
	req, err := c.http.NewRequest(ctx, method, u, opts...)
	if err != nil {
		return err
	}
	if _, err := c.http.Do(req, uhttp.WithJSONResponse(out)); err != nil {
		if uhttp.StatusCode(err) == http.StatusNotFound {
			return ErrUnknownDevice
		}
		return err
	}
	return nil
}

func (c *Client) Register(ctx context.Context, id string, capacity device.Capacity) (*device.Device, error) {
	var out leaseapi.RegisterResponse
	err := c.call(ctx, http.MethodPost, c.base.JoinPath("client", "register", id), &out, uhttp.WithJSONBody(capacity))
	if err != nil {
		return nil, fmt.Errorf("agent: register: %w", err)
	}
	if out.Device == nil {
		return nil, errors.New("agent: register: empty response")
	}
	return out.Device, nil
}

func (c *Client) CheckIn(ctx context.Context, id string) error {
	var out lease.CheckInResult
	if err := c.call(ctx, http.MethodGet, c.base.JoinPath("client", "checkin", id), &out); err != nil {
		return fmt.Errorf("agent: check in: %w", err)
	}
	if !out.Success {
		return errors.New("agent: check in: not acknowledged")
	}
	return nil
}

func (c *Client) Expiration(ctx context.Context, id string) (time.Time, error) {
	var out leaseapi.ExpirationResponse
	if err := c.call(ctx, http.MethodGet, c.base.JoinPath("client", "expiration", id), &out); err != nil {
		return time.Time{}, fmt.Errorf("agent: expiration: %w", err)
	}
	return out.Expiration, nil
}
