package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/uhttp"
)

// Client publishes listings to a remote marketplace store.
//
//	POST   {base}/listings       Listing -> 200 {"id": "..."}
//	DELETE {base}/listings/{id}          -> 204, or 404 when already gone
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    uhttp.HttpClient
}

var _ Publisher = (*Client)(nil)

type createResponse struct {
	ID string `json:"id"`
}

// NewClient builds a Client for baseURL. timeout bounds every call; zero means no bound.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, opts ...uhttp.ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("listing: invalid marketplace url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("listing: invalid marketplace url %q", baseURL)
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

func (c *Client) CreateListing(ctx context.Context, d *device.Device) (string, error) {
	if d.ListingID != "" {
		res, err := c.RemoveListing(ctx, d)
		if err != nil {
			return "", fmt.Errorf("listing: supersede %s: %w", d.ListingID, err)
		}
		ctxzap.Extract(ctx).Debug("superseded previous listing",
			zap.String("device_id", d.ID),
			zap.String("listing_id", d.ListingID),
			zap.Stringer("result", res),
		)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.http.NewRequest(ctx, http.MethodPost, c.base.JoinPath("listings"),
		uhttp.WithJSONBody(New(d)),
		uhttp.WithAcceptJSONHeader(),
	)
	if err != nil {
		return "", fmt.Errorf("listing: create: %w", err)
	}

	var out createResponse
	if _, err := c.http.Do(req, uhttp.WithJSONResponse(&out)); err != nil {
		return "", fmt.Errorf("listing: create: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("listing: create: marketplace returned no listing id")
	}
	return out.ID, nil
}

func (c *Client) RemoveListing(ctx context.Context, d *device.Device) (RemoveResult, error) {
	if d.ListingID == "" {
		return Absent, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.http.NewRequest(ctx, http.MethodDelete, c.base.JoinPath("listings", d.ListingID))
	if err != nil {
		return Absent, fmt.Errorf("listing: remove %s: %w", d.ListingID, err)
	}
	if _, err := c.http.Do(req); err != nil {
		if uhttp.StatusCode(err) == http.StatusNotFound {
			return Absent, nil
		}
		return Absent, fmt.Errorf("listing: remove %s: %w", d.ListingID, err)
	}
	return Removed, nil
}
