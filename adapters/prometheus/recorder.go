package prometheus

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-txcoord/core"
	"github.com/prometheus/client_golang/prometheus"
)

// DurationBuckets covers storage round trips and handler runs in
// milliseconds.
var DurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Recorder implements core.MetricsRecorder on a Prometheus registerer.
// Vectors are created on first use and keep the label names seen then;
// later observations drop unknown tags and leave missing ones empty.
type Recorder struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*vector[*prometheus.CounterVec]
	histograms map[string]*vector[*prometheus.HistogramVec]
}

type vector[V any] struct {
	vec    V
	labels []string
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitize(namespace)
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// NewRecorder registers metrics on registerer, or on the default registerer
// when nil.
func NewRecorder(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		registerer: registerer,
		buckets:    DurationBuckets,
		counters:   map[string]*vector[*prometheus.CounterVec]{},
		histograms: map[string]*vector[*prometheus.HistogramVec]{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value <= 0 {
		return
	}
	v := r.counter(name, tags)
	if v == nil {
		return
	}
	v.vec.WithLabelValues(labelValues(v.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	v := r.histogram(name, tags)
	if v == nil {
		return
	}
	v.vec.WithLabelValues(labelValues(v.labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) *vector[*prometheus.CounterVec] {
	metric := r.metricName(name, "_total")
	if metric == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[metric]; ok {
		return existing
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metric,
		Help: "txcoord counter " + strings.TrimSpace(name),
	}, labels)
	vec = registerOrExisting(r.registerer, vec)
	entry := &vector[*prometheus.CounterVec]{vec: vec, labels: labels}
	r.counters[metric] = entry
	return entry
}

func (r *Recorder) histogram(name string, tags map[string]string) *vector[*prometheus.HistogramVec] {
	metric := r.metricName(name, "")
	if metric == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[metric]; ok {
		return existing
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metric,
		Help:    "txcoord histogram " + strings.TrimSpace(name),
		Buckets: r.buckets,
	}, labels)
	vec = registerOrExisting(r.registerer, vec)
	entry := &vector[*prometheus.HistogramVec]{vec: vec, labels: labels}
	r.histograms[metric] = entry
	return entry
}

func (r *Recorder) metricName(name string, suffix string) string {
	metric := sanitize(name)
	if metric == "" {
		return ""
	}
	if r.namespace != "" {
		metric = r.namespace + "_" + metric
	}
	if suffix != "" && !strings.HasSuffix(metric, suffix) {
		metric += suffix
	}
	return metric
}

func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for key := range tags {
		if label := sanitize(key); label != "" {
			names = append(names, label)
		}
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[sanitize(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = byLabel[label]
	}
	return values
}

// sanitize maps dotted metric names onto the Prometheus name charset.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name) + 1)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
