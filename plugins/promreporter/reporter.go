// Package promreporter exports metrics registries to Prometheus and serves
// the container's diagnostics endpoint for the lifetime of the process.
package promreporter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FactoryName is the value metrics.reporter.<name>.class resolves against.
const FactoryName = "prometheus"

const namespace = "streamhost"

func Factory(name string, properties map[string]string, l logger.Logger) (metrics.Reporter, error) {
	port, ok := properties["port"]
	if !ok || port == "" {
		return nil, fmt.Errorf("promreporter: reporter %q: no port configured", name)
	}
	return New(":"+port, l), nil
}

var _ metrics.Reporter = (*Reporter)(nil)
var _ prometheus.Collector = (*Reporter)(nil)

// Reporter is an unchecked prometheus collector over the container's metrics
// registries, exposed on /metrics.
type Reporter struct {
	addr string

	mu         sync.RWMutex
	registries []*metrics.Registry

	promReg *prometheus.Registry
	server  *http.Server
	errChan chan error

	logger logger.Logger
}

func New(addr string, l logger.Logger) *Reporter {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Reporter{
		addr:    addr,
		promReg: prometheus.NewRegistry(),
		errChan: make(chan error, 1),
		logger:  l.With("component", "prom-reporter", "addr", addr),
	}
}

func (r *Reporter) Register(reg *metrics.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registries = append(r.registries, reg)
}

func (r *Reporter) Start() error {
	if err := r.promReg.Register(r); err != nil {
		return fmt.Errorf("promreporter: register collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{}))
	r.server = &http.Server{Addr: r.addr, Handler: mux}

	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case r.errChan <- err:
			default:
			}
			r.logger.Error("Diagnostics server failed", "error", err)
		}
	}()

	r.logger.Info("Diagnostics endpoint up")
	return nil
}

// Err returns a server failure if one occurred; non-blocking.
func (r *Reporter) Err() error {
	select {
	case err := <-r.errChan:
		return err
	default:
		return nil
	}
}

func (r *Reporter) Stop() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("promreporter: shutdown: %w", err)
	}
	return nil
}

// Describe sends nothing: the metric set grows as tasks register, so the
// collector is unchecked.
func (r *Reporter) Describe(chan<- *prometheus.Desc) {}

func (r *Reporter) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.registries {
		source := reg.Source()
		for _, sample := range reg.Snapshot() {
			desc := prometheus.NewDesc(
				namespace+"_"+sanitize(sample.Name),
				"streamhost container metric",
				nil,
				prometheus.Labels{"source": source},
			)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(sample.Value))
		}
	}
}

func sanitize(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}
