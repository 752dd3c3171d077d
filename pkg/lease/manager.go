package lease

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
	"github.com/conductorone/p2pvps-lease/pkg/listing"
	"github.com/conductorone/p2pvps-lease/pkg/metrics"
	"github.com/conductorone/p2pvps-lease/pkg/portpool"
)

// DefaultLeaseDuration is the length of a lease granted by one registration.
const DefaultLeaseDuration = 24 * time.Hour

const (
	opRegister      = "register"
	opCheckIn       = "checkin"
	opGetExpiration = "expiration"
)

var tracer = otel.Tracer("p2pvps-lease/lease")

// CheckInResult is the reply to a liveness check-in.
type CheckInResult struct {
	Success bool `json:"success"`
}

// Manager runs the lease lifecycle of devices: registration, check-in and expiration teardown.
//
// Mutations of one device are serialized by a lock keyed on the device id. Different devices never contend.
type Manager struct {
	store     devicestore.Store
	ports     portpool.Allocator
	publisher listing.Publisher

	leaseDuration time.Duration
	clock         clock.Clock
	locks         *kmutex.Kmutex

	metrics          metrics.Handler
	registrations    metrics.Int64Counter
	checkins         metrics.Int64Counter
	teardowns        metrics.Int64Counter
	failures         metrics.Int64Counter
	registerDuration metrics.Int64Histogram
}

type Option func(*Manager)

// WithLeaseDuration overrides DefaultLeaseDuration. Non-positive values are ignored.
func WithLeaseDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.leaseDuration = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithMetrics(h metrics.Handler) Option {
	return func(m *Manager) {
		m.metrics = h
	}
}

func New(store devicestore.Store, ports portpool.Allocator, publisher listing.Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		ports:         ports,
		publisher:     publisher,
		leaseDuration: DefaultLeaseDuration,
		clock:         clock.WallClock,
		locks:         kmutex.New(),
		metrics:       metrics.NewNoOpHandler(context.Background()),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registrations = m.metrics.Int64Counter("lease_registrations_total", "number of completed registrations", metrics.Dimensionless)
	m.checkins = m.metrics.Int64Counter("lease_checkins_total", "number of device check-ins", metrics.Dimensionless)
	m.teardowns = m.metrics.Int64Counter("lease_teardowns_total", "number of expiration teardowns", metrics.Dimensionless)
	m.failures = m.metrics.Int64Counter("lease_failures_total", "number of failed lease operations", metrics.Dimensionless)
	m.registerDuration = m.metrics.Int64Histogram("lease_register_duration_ms", "time taken by a registration", metrics.Milliseconds)

	return m
}

func (m *Manager) LeaseDuration() time.Duration {
	return m.leaseDuration
}

func (m *Manager) lock(id string) func() {
	m.locks.Lock(id)
	return func() { m.locks.Unlock(id) }
}

// Register starts a fresh lease for the device: capacity is merged, the lease is renewed, a new port and
// credentials are issued and the device is listed again. The previous port is released only once the new
// one has been recorded.
func (m *Manager) Register(ctx context.Context, id string, capacity device.Capacity) (*device.Device, error) {
	ctx, span := tracer.Start(ctx, "Manager.Register", trace.WithAttributes(attribute.String("device_id", id)))
	defer span.End()

	unlock := m.lock(id)
	defer unlock()

	start := m.clock.Now()
	r := &registration{m: m, id: id, capacity: capacity}
	if err := r.run(ctx); err != nil {
		return nil, m.fail(ctx, span, opRegister, err)
	}

	m.registrations.Add(ctx, 1, nil)
	m.registerDuration.Record(ctx, m.clock.Now().Sub(start).Milliseconds(), nil)
	return r.dev.Clone(), nil
}

// CheckIn records a liveness proof. It never touches the lease, the port or the listing.
func (m *Manager) CheckIn(ctx context.Context, id string) (CheckInResult, error) {
	ctx, span := tracer.Start(ctx, "Manager.CheckIn", trace.WithAttributes(attribute.String("device_id", id)))
	defer span.End()

	unlock := m.lock(id)
	defer unlock()

	d, err := m.store.GetDevice(ctx, id)
	if err != nil {
		return CheckInResult{}, m.fail(ctx, span, opCheckIn, err)
	}

	d.CheckinTimeStamp = m.clock.Now()
	if err := m.store.SaveDevice(ctx, d); err != nil {
		return CheckInResult{}, m.fail(ctx, span, opCheckIn, err)
	}

	m.checkins.Add(ctx, 1, nil)
	return CheckInResult{Success: true}, nil
}

// GetExpiration returns the end of the device's lease. Once the lease has passed, the device's listing is
// taken down as a side effect. The expiration is returned whatever the removal outcome; a failed removal
// is logged and retried on the next call. Ports and credentials are left alone until the next registration.
func (m *Manager) GetExpiration(ctx context.Context, id string) (time.Time, error) {
	ctx, span := tracer.Start(ctx, "Manager.GetExpiration", trace.WithAttributes(attribute.String("device_id", id)))
	defer span.End()

	d, err := m.store.GetDevice(ctx, id)
	if err != nil {
		return time.Time{}, m.fail(ctx, span, opGetExpiration, err)
	}
	if !d.Expired(m.clock.Now()) {
		return d.Expiration, nil
	}

	unlock := m.lock(id)
	defer unlock()

	// A registration may have renewed the lease while we waited for the lock.
	d, err = m.store.GetDevice(ctx, id)
	if err != nil {
		return time.Time{}, m.fail(ctx, span, opGetExpiration, err)
	}
	if !d.Expired(m.clock.Now()) {
		return d.Expiration, nil
	}

	if err := m.teardown(ctx, d); err != nil {
		return time.Time{}, m.fail(ctx, span, opGetExpiration, err)
	}
	return d.Expiration, nil
}

// teardown unpublishes an expired device. The caller holds the device lock. Only a failure to persist
// the cleared listing id is returned.
func (m *Manager) teardown(ctx context.Context, d *device.Device) error {
	l := ctxzap.Extract(ctx).With(zap.String("device_id", d.ID), zap.String("listing_id", d.ListingID))

	res, err := m.publisher.RemoveListing(ctx, d)
	if err != nil {
		// The listing id is kept so the next expiration poll tries again.
		l.Warn("lease expired but listing removal failed", zap.Time("expiration", d.Expiration), zap.Error(err))
		m.teardowns.Add(ctx, 1, map[string]string{"result": "error"})
		return nil
	}

	switch res {
	case listing.Absent:
		l.Warn("lease expired but device had no live listing")
	default:
		l.Info("lease expired, listing removed", zap.Time("expiration", d.Expiration))
	}
	m.teardowns.Add(ctx, 1, map[string]string{"result": res.String()})

	if d.ListingID == "" {
		return nil
	}
	d.ListingID = ""
	return m.store.SaveDevice(ctx, d)
}

func (m *Manager) fail(ctx context.Context, span trace.Span, op string, err error) error {
	err = opError(op, err)
	kind := KindOf(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	m.failures.Add(ctx, 1, map[string]string{"op": op, "kind": kind.String()})

	l := ctxzap.Extract(ctx)
	if kind == KindNotFound {
		l.Debug("lease operation failed", zap.String("op", op), zap.Error(err))
	} else {
		l.Error("lease operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}
