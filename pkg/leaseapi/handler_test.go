package leaseapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
	"github.com/conductorone/p2pvps-lease/pkg/healthcheck"
	"github.com/conductorone/p2pvps-lease/pkg/lease"
	"github.com/conductorone/p2pvps-lease/pkg/listing"
	"github.com/conductorone/p2pvps-lease/pkg/portpool"
)

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type apiFixture struct {
	srv    *httptest.Server
	store  *devicestore.Memory
	clock  *testclock.Clock
	health *healthcheck.Handler
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()

	pool, err := portpool.NewPool(2200, 2299)
	require.NoError(t, err)

	f := &apiFixture{
		store: devicestore.NewMemory(),
		clock: testclock.NewClock(t0),
	}
	f.health = healthcheck.NewHandler(healthcheck.WithCheck("store", f.store.Ping))
	m := lease.New(f.store, pool, listing.NewMemory(), lease.WithClock(f.clock))

	f.srv = httptest.NewServer(NewHandler(zap.NewNop(), m, f.health))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) provision(t *testing.T) *device.Device {
	t.Helper()
	d, err := devicestore.Provision(context.Background(), f.store, "box", "owner")
	require.NoError(t, err)
	return d
}

func do(t *testing.T, method string, url string, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestRegisterEndpoint(t *testing.T) {
	f := newFixture(t)
	d := f.provision(t)

	resp, body := do(t, http.MethodPost, f.srv.URL+"/client/register/"+d.ID, `{"memory": 4096, "processor": "arm64"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out RegisterResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, d.ID, out.Device.ID)
	require.Equal(t, int64(4096), out.Device.Memory)
	require.Equal(t, "arm64", out.Device.Processor)
	require.True(t, out.Device.Expiration.Equal(t0.Add(lease.DefaultLeaseDuration)))
	require.NotEmpty(t, out.Device.ListingID)
	require.NotContains(t, string(body), d.PrivateDataID)
}

func TestRegisterEndpointWithoutBody(t *testing.T) {
	f := newFixture(t)
	d := f.provision(t)

	resp, _ := do(t, http.MethodGet, f.srv.URL+"/client/register/"+d.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, f.srv.URL+"/client/register/"+d.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterEndpointRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	d := f.provision(t)

	resp, body := do(t, http.MethodPost, f.srv.URL+"/client/register/"+d.ID, `{"memory": "lots"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `{"error":"invalid request body"}`, string(body))
}

func TestCheckInEndpoint(t *testing.T) {
	f := newFixture(t)
	d := f.provision(t)

	resp, body := do(t, http.MethodGet, f.srv.URL+"/client/checkin/"+d.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true}`, string(body))
}

func TestExpirationEndpoint(t *testing.T) {
	f := newFixture(t)
	d := f.provision(t)

	resp, _ := do(t, http.MethodPost, f.srv.URL+"/client/register/"+d.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, f.srv.URL+"/client/expiration/"+d.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ExpirationResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.True(t, out.Expiration.Equal(t0.Add(lease.DefaultLeaseDuration)))
	require.Contains(t, string(body), t0.Add(lease.DefaultLeaseDuration).Format(time.RFC3339))
}

func TestUnknownDeviceIsNotFound(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/client/register/nope", "/client/checkin/nope", "/client/expiration/nope"} {
		resp, body := do(t, http.MethodGet, f.srv.URL+path, "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		require.JSONEq(t, `{"error":"not found"}`, string(body), path)
	}
}

type failingService struct{}

func (failingService) Register(context.Context, string, device.Capacity) (*device.Device, error) {
	return nil, &lease.Error{Op: "register", Kind: lease.KindDependency, Err: errors.New("mongo: auth failed for user admin")}
}

func (failingService) CheckIn(context.Context, string) (lease.CheckInResult, error) {
	return lease.CheckInResult{}, errors.New("mongo: auth failed for user admin")
}

func (failingService) GetExpiration(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.New("mongo: auth failed for user admin")
}

func TestDependencyFailureIsOpaque(t *testing.T) {
	srv := httptest.NewServer(NewHandler(zap.NewNop(), failingService{}, nil))
	defer srv.Close()

	for _, path := range []string{"/client/register/x", "/client/checkin/x", "/client/expiration/x"} {
		resp, body := do(t, http.MethodGet, srv.URL+path, "")
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode, path)
		require.JSONEq(t, `{"error":"internal server error"}`, string(body), path)
		require.NotContains(t, string(body), "mongo")
	}
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	resp, _ := do(t, http.MethodGet, f.srv.URL+"/live", "")
	_, err := uuid.Parse(resp.Header.Get(RequestIDHeader))
	require.NoError(t, err)

	id := uuid.NewString()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/live", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, id)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, id, resp.Header.Get(RequestIDHeader))

	req.Header.Set(RequestIDHeader, "not-a-uuid")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEqual(t, "not-a-uuid", resp.Header.Get(RequestIDHeader))
}

func TestHealthEndpointsMounted(t *testing.T) {
	f := newFixture(t)

	resp, _ := do(t, http.MethodGet, f.srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, f.srv.URL+"/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.health.SetReady(true)
	resp, _ = do(t, http.MethodGet, f.srv.URL+"/ready", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
