package portpool

import (
	"context"
	"errors"
)

var (
	// ErrNoPortAvailable indicates the pool has no free port left.
	ErrNoPortAvailable = errors.New("portpool: no port available")
	// ErrPortNotAllocated indicates a release for a port the pool does not consider in use.
	ErrPortNotAllocated = errors.New("portpool: port not allocated")
)

// Assignment is one SSH port together with the credentials bound to it.
type Assignment struct {
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Allocator hands out unique ports across concurrent callers.
type Allocator interface {
	RequestPort(ctx context.Context) (Assignment, error)
	ReleasePort(ctx context.Context, port int) error
}
