package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// instruments is shared by a handler and every handler derived from it with WithTags,
// so an instrument name is only ever registered once per meter.
type instruments struct {
	int64CountersMtx sync.Mutex
	int64Counters    map[string]otelmetric.Int64Counter
	int64HistosMtx   sync.Mutex
	int64Histos      map[string]otelmetric.Int64Histogram
	int64GaugesMtx   sync.Mutex
	int64Gauges      map[string]otelmetric.Int64Gauge
}

type otelHandler struct {
	meter otelmetric.Meter
	inst  *instruments
	tags  map[string]string
}

func attributesFor(base map[string]string, tags map[string]string) attribute.Set {
	merged := make(map[string]string, len(base)+len(tags))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, attribute.String(k, merged[k]))
	}
	return attribute.NewSet(kvs...)
}

type otelInt64Counter struct {
	c    otelmetric.Int64Counter
	tags map[string]string
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags map[string]string) {
	o.c.Add(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.tags, tags)))
}

var _ Int64Counter = (*otelInt64Counter)(nil)

type otelInt64Histogram struct {
	h    otelmetric.Int64Histogram
	tags map[string]string
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags map[string]string) {
	o.h.Record(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.tags, tags)))
}

var _ Int64Histogram = (*otelInt64Histogram)(nil)

type otelInt64Gauge struct {
	g    otelmetric.Int64Gauge
	tags map[string]string
}

func (o *otelInt64Gauge) Observe(ctx context.Context, value int64, tags map[string]string) {
	o.g.Record(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.tags, tags)))
}

var _ Int64Gauge = (*otelInt64Gauge)(nil)

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h.inst.int64HistosMtx.Lock()
	defer h.inst.int64HistosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.inst.int64Histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.inst.int64Histos[name] = c
	}

	return &otelInt64Histogram{h: c, tags: h.tags}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	h.inst.int64CountersMtx.Lock()
	defer h.inst.int64CountersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.inst.int64Counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.inst.int64Counters[name] = c
	}

	return &otelInt64Counter{c: c, tags: h.tags}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	h.inst.int64GaugesMtx.Lock()
	defer h.inst.int64GaugesMtx.Unlock()

	name = strings.ToLower(name)

	g, ok := h.inst.int64Gauges[name]
	var err error
	if !ok {
		g, err = h.meter.Int64Gauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.inst.int64Gauges[name] = g
	}

	return &otelInt64Gauge{g: g, tags: h.tags}
}

func (h *otelHandler) WithTags(tags map[string]string) Handler {
	merged := make(map[string]string, len(h.tags)+len(tags))
	for k, v := range h.tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return &otelHandler{meter: h.meter, inst: h.inst, tags: merged}
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		meter: provider.Meter(name),
		inst: &instruments{
			int64Counters: make(map[string]otelmetric.Int64Counter),
			int64Histos:   make(map[string]otelmetric.Int64Histogram),
			int64Gauges:   make(map[string]otelmetric.Int64Gauge),
		},
	}
}

var _ Handler = (*otelHandler)(nil)
