package agent

import (
	"context"
	"errors"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultCheckinInterval = 2 * time.Minute

// Agent keeps one device leased: it registers, checks in on a fixed cadence and renews the lease
// once the server reports it expired.
type Agent struct {
	client   *Client
	deviceID string
	capacity CapacityFunc
	clock    clock.Clock

	checkinInterval    time.Duration
	expirationInterval time.Duration
}

type Option func(*Agent)

func WithCapacity(fn CapacityFunc) Option {
	return func(a *Agent) {
		a.capacity = fn
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		a.clock = c
	}
}

func WithCheckinInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.checkinInterval = d
		}
	}
}

// WithExpirationInterval sets how often the lease end is polled. Defaults to the check-in interval.
func WithExpirationInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.expirationInterval = d
		}
	}
}

func New(client *Client, deviceID string, opts ...Option) *Agent {
	a := &Agent{
		client:          client,
		deviceID:        deviceID,
		capacity:        HostCapacity("/", 0),
		clock:           clock.WallClock,
		checkinInterval: DefaultCheckinInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.expirationInterval == 0 {
		a.expirationInterval = a.checkinInterval
	}
	return a
}

// Run registers the device and then loops until ctx is cancelled. Transient API errors, including a
// failed first registration, are logged and retried on the next tick; an unknown device stops the agent.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerUntilDone(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.every(ctx, a.checkinInterval, a.checkIn)
	})
	g.Go(func() error {
		return a.every(ctx, a.expirationInterval, a.renewIfExpired)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(interval):
		}

		if err := fn(ctx); err != nil {
			if errors.Is(err, ErrUnknownDevice) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ctxzap.Extract(ctx).Warn("lease call failed, retrying next interval", zap.Error(err))
		}
	}
}

func (a *Agent) registerUntilDone(ctx context.Context) error {
	for {
		err := a.register(ctx)
		if err == nil || errors.Is(err, ErrUnknownDevice) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ctxzap.Extract(ctx).Warn("registration failed, retrying next interval", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.checkinInterval):
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	capacity, err := a.capacity(ctx)
	if err != nil {
		l.Warn("could not read host capacity, registering without it", zap.Error(err))
	}

	d, err := a.client.Register(ctx, a.deviceID, capacity)
	if err != nil {
		return err
	}
	l.Info("device registered",
		zap.String("device_id", d.ID),
		zap.Time("expiration", d.Expiration),
		zap.String("listing_id", d.ListingID),
	)
	return nil
}

func (a *Agent) checkIn(ctx context.Context) error {
	if err := a.client.CheckIn(ctx, a.deviceID); err != nil {
		return err
	}
	ctxzap.Extract(ctx).Debug("checked in", zap.String("device_id", a.deviceID))
	return nil
}

func (a *Agent) renewIfExpired(ctx context.Context) error {
	exp, err := a.client.Expiration(ctx, a.deviceID)
	if err != nil {
		return err
	}
	if !exp.Before(a.clock.Now()) {
		return nil
	}
	ctxzap.Extract(ctx).Info("lease expired, registering again", zap.String("device_id", a.deviceID), zap.Time("expiration", exp))
	return a.register(ctx)
}
