package portpool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/metrics"
)

const passwordBytes = 12

// Pool is an in-process Allocator over a closed port range. It is meant for tests and
// single-node deployments where the SSH gateway runs next to the lease service.
type Pool struct {
	mu        sync.Mutex
	min       int
	max       int
	next      int
	allocated mapset.Set[int]
	inUse     metrics.Int64Gauge
}

var _ Allocator = (*Pool)(nil)

type PoolOption func(*Pool)

// WithMetrics reports the number of allocated ports as portpool_ports_in_use.
func WithMetrics(h metrics.Handler) PoolOption {
	return func(p *Pool) {
		p.inUse = h.Int64Gauge("portpool_ports_in_use", "ports currently assigned from the local pool", metrics.Dimensionless)
	}
}

// NewPool returns a pool serving ports in [first, last].
func NewPool(first int, last int, opts ...PoolOption) (*Pool, error) {
	if first <= 0 || last > 65535 || first > last {
		return nil, fmt.Errorf("portpool: invalid range %d-%d", first, last)
	}
	p := &Pool{
		min:       first,
		max:       last,
		next:      first,
		allocated: mapset.NewThreadUnsafeSet[int](),
		inUse:     metrics.NewNoOpHandler(context.Background()).Int64Gauge("", "", metrics.Dimensionless),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RequestPort picks the next free port, scanning round-robin so a just-released port is the
// last one to be reused.
func (p *Pool) RequestPort(ctx context.Context) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}

	password, err := newPassword()
	if err != nil {
		return Assignment{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	if p.allocated.Cardinality() >= size {
		return Assignment{}, ErrNoPortAvailable
	}

	port := p.next
	for p.allocated.Contains(port) {
		port++
		if port > p.max {
			port = p.min
		}
	}
	p.allocated.Add(port)
	p.next = port + 1
	if p.next > p.max {
		p.next = p.min
	}

	p.inUse.Observe(ctx, int64(p.allocated.Cardinality()), nil)
	ctxzap.Extract(ctx).Debug("port allocated", zap.Int("port", port), zap.Int("in_use", p.allocated.Cardinality()))

	return Assignment{
		Port:     port,
		Username: fmt.Sprintf("p2pvps%d", port),
		Password: password,
	}, nil
}

func (p *Pool) ReleasePort(ctx context.Context, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated.Contains(port) {
		return fmt.Errorf("%w: %d", ErrPortNotAllocated, port)
	}
	p.allocated.Remove(port)
	p.inUse.Observe(ctx, int64(p.allocated.Cardinality()), nil)

	ctxzap.Extract(ctx).Debug("port released", zap.Int("port", port), zap.Int("in_use", p.allocated.Cardinality()))
	return nil
}

// Reserve marks ports as in use, for example ports already recorded in the device store at startup.
// Ports outside the pool's range are ignored. It returns how many ports were newly reserved.
func (p *Pool) Reserve(ctx context.Context, ports ...int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, port := range ports {
		if port >= p.min && port <= p.max && p.allocated.Add(port) {
			added++
		}
	}
	p.inUse.Observe(ctx, int64(p.allocated.Cardinality()), nil)
	return added
}

// InUse reports whether port is currently allocated.
func (p *Pool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated.Contains(port)
}

func newPassword() (string, error) {
	b := make([]byte, passwordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("portpool: generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}
