package metrics

import (
	"context"
)

type Handler interface {
	Int64Counter(name string, description string, unit Unit) Int64Counter
	Int64Histogram(name string, description string, unit Unit) Int64Histogram
	Int64Gauge(name string, description string, unit Unit) Int64Gauge
	WithTags(tags map[string]string) Handler
}

type Int64Counter interface {
	Add(ctx context.Context, value int64, tags map[string]string)
}

type Int64Histogram interface {
	Record(ctx context.Context, value int64, tags map[string]string)
}

// Int64Gauge reports the latest observed value, e.g. a current pool size.
type Int64Gauge interface {
	Observe(ctx context.Context, value int64, tags map[string]string)
}

type Unit string

const (
	Dimensionless Unit = "1"
	Milliseconds  Unit = "ms"
)
