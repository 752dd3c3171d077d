package uotel

import (
	"context"
)

// InitOtel wires trace and log export to an OTLP collector and, when asked, a stdout metrics exporter.
// The returned context carries the (possibly teed) logger. The returned func flushes and closes everything.
func InitOtel(ctx context.Context, opts ...Option) (context.Context, func(context.Context) error, error) {
	cfg := newConfig(opts...)

	ctx, err := cfg.init(ctx)
	if err != nil {
		_ = cfg.Close(ctx)
		return nil, nil, err
	}

	return ctx, cfg.Close, nil
}
