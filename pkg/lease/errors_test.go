package lease

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, KindNone, KindOf(nil))
	require.Equal(t, KindNotFound, KindOf(device.ErrDeviceNotFound))
	require.Equal(t, KindNotFound, KindOf(fmt.Errorf("lookup: %w", device.ErrPrivateDataNotFound)))
	require.Equal(t, KindDependency, KindOf(errors.New("boom")))
}

func TestOpErrorWrapsOnce(t *testing.T) {
	err := opError(opRegister, fmt.Errorf("load-device: %w", device.ErrDeviceNotFound))

	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, opRegister, le.Op)
	require.Equal(t, KindNotFound, le.Kind)
	require.Equal(t, "lease: register: load-device: device: not found", err.Error())

	require.Same(t, le, opError(opCheckIn, err))
	require.NoError(t, opError(opCheckIn, nil))
}
