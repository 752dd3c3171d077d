package lease

import (
	"context"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/portpool"
)

// step is one stage of a registration. Steps run in order; undo, when set, runs for every completed step
// (latest first) if a later step fails.
type step struct {
	name string
	run  func(*registration, context.Context) error
	undo func(*registration, context.Context)
}

// registrationSteps is the registration flow. Ordering constraints:
//   - request-port precedes record-assignment, so a device is never left without a port on allocator failure.
//   - release-previous-port follows record-assignment, so the old port is freed only after the new one is durable.
//   - publish-listing runs last so the listing carries the renewed lease and merged capacity.
var registrationSteps = []step{
	{name: "load-device", run: (*registration).loadDevice},
	{name: "merge-capacity", run: (*registration).mergeCapacity},
	{name: "renew-lease", run: (*registration).renewLease},
	{name: "load-private-data", run: (*registration).loadPrivateData},
	{name: "request-port", run: (*registration).requestPort, undo: (*registration).releaseUnrecordedPort},
	{name: "record-assignment", run: (*registration).recordAssignment},
	{name: "release-previous-port", run: (*registration).releasePreviousPort},
	{name: "publish-listing", run: (*registration).publishListing},
}

type registration struct {
	m        *Manager
	id       string
	capacity device.Capacity

	dev          *device.Device
	priv         *device.PrivateData
	previousPort int
	assignment   portpool.Assignment
	recorded     bool
}

func (r *registration) run(ctx context.Context) error {
	l := ctxzap.Extract(ctx).With(zap.String("device_id", r.id))

	for i, s := range registrationSteps {
		l.Debug("registration step", zap.String("step", s.name))
		if err := s.run(r, ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if undo := registrationSteps[j].undo; undo != nil {
					undo(r, ctx)
				}
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (r *registration) loadDevice(ctx context.Context) error {
	d, err := r.m.store.GetDevice(ctx, r.id)
	if err != nil {
		return err
	}
	r.dev = d
	return nil
}

func (r *registration) mergeCapacity(_ context.Context) error {
	r.capacity.ApplyTo(r.dev)
	return nil
}

func (r *registration) renewLease(ctx context.Context) error {
	now := r.m.clock.Now()
	r.dev.Expiration = now.Add(r.m.leaseDuration)
	r.dev.CheckinTimeStamp = now
	return r.m.store.SaveDevice(ctx, r.dev)
}

func (r *registration) loadPrivateData(ctx context.Context) error {
	if r.dev.PrivateDataID == "" {
		return device.ErrPrivateDataNotFound
	}
	p, err := r.m.store.GetPrivateData(ctx, r.dev.PrivateDataID)
	if err != nil {
		return err
	}
	r.priv = p
	r.previousPort = p.AssignedPort
	return nil
}

func (r *registration) requestPort(ctx context.Context) error {
	a, err := r.m.ports.RequestPort(ctx)
	if err != nil {
		return err
	}
	r.assignment = a
	return nil
}

// releaseUnrecordedPort gives back a port that never made it into the private record.
// Once recorded the port belongs to the device and is not rolled back.
func (r *registration) releaseUnrecordedPort(ctx context.Context) {
	if r.recorded || r.assignment.Port == 0 {
		return
	}
	l := ctxzap.Extract(ctx).With(zap.String("device_id", r.id), zap.Int("port", r.assignment.Port))
	if err := r.m.ports.ReleasePort(context.WithoutCancel(ctx), r.assignment.Port); err != nil {
		l.Error("failed to release unrecorded port", zap.Error(err))
		return
	}
	l.Info("released unrecorded port")
}

func (r *registration) recordAssignment(ctx context.Context) error {
	r.priv.AssignedPort = r.assignment.Port
	r.priv.AccessUsername = r.assignment.Username
	r.priv.AccessPassword = r.assignment.Password
	if err := r.m.store.SavePrivateData(ctx, r.priv); err != nil {
		return err
	}
	r.recorded = true
	return nil
}

func (r *registration) releasePreviousPort(ctx context.Context) error {
	if r.previousPort == 0 || r.previousPort == r.assignment.Port {
		return nil
	}
	err := r.m.ports.ReleasePort(ctx, r.previousPort)
	if errors.Is(err, portpool.ErrPortNotAllocated) {
		ctxzap.Extract(ctx).Warn("previous port was not allocated",
			zap.String("device_id", r.id),
			zap.Int("port", r.previousPort),
		)
		return nil
	}
	return err
}

func (r *registration) publishListing(ctx context.Context) error {
	listingID, err := r.m.publisher.CreateListing(ctx, r.dev)
	if err != nil {
		return err
	}
	r.dev.ListingID = listingID
	return r.m.store.SaveDevice(ctx, r.dev)
}
