package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collectors groups the pricing metrics behind one registry. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	Trials        *prometheus.CounterVec
	Rounds        prometheus.Counter
	RoundDuration prometheus.Histogram
	Price         prometheus.Gauge
	HalfWidth     prometheus.Gauge
	Aborts        prometheus.Counter
}

func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: reg,
		Trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpricer_trials_total",
			Help: "Monte Carlo trials completed, by rank.",
		}, []string{"rank"}),
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpricer_rounds_total",
			Help: "Distributed pricing rounds merged by the master.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dpricer_round_duration_seconds",
			Help:    "Wall time of a pricing round from dispatch to merge.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		Price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpricer_price",
			Help: "Latest merged price estimate.",
		}),
		HalfWidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpricer_confidence_half_width",
			Help: "Latest 95% confidence half-width.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpricer_aborts_total",
			Help: "Runs aborted after a configuration or communication failure.",
		}),
	}
	reg.MustRegister(c.Trials, c.Rounds, c.RoundDuration, c.Price, c.HalfWidth, c.Aborts)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) ObserveTrials(rank int, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.Trials.WithLabelValues(strconv.Itoa(rank)).Add(float64(n))
}

func (c *Collectors) ObserveRound(d time.Duration, price, halfWidth float64) {
	if c == nil {
		return
	}
	c.Rounds.Inc()
	c.RoundDuration.Observe(d.Seconds())
	c.Price.Set(price)
	c.HalfWidth.Set(halfWidth)
}

func (c *Collectors) ObserveAbort() {
	if c == nil {
		return
	}
	c.Aborts.Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collectors) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
