package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	registerOnce sync.Once

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castline",
			Subsystem: "register",
			Name:      "requests_total",
			Help:      "Registration requests answered, by outcome status.",
		},
		[]string{"status", "code"},
	)
	registerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "castline",
			Subsystem: "register",
			Name:      "duration_seconds",
			Help:      "Time from accepting a registration connection to sending the result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	writersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "castline",
			Subsystem: "writers",
			Name:      "active",
			Help:      "Broadcast writers currently allocated.",
		},
	)
	// Unlabeled: channel keys are client-chosen.
	recordsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "castline",
			Subsystem: "hub",
			Name:      "records_total",
			Help:      "Records read from writers and published to the hub.",
		},
	)
	recordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castline",
			Subsystem: "hub",
			Name:      "records_dropped_total",
			Help:      "Records not delivered, by reason.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(registrations, registerDuration, writersActive, recordsRelayed, recordsDropped)
	})
}

func RecordRegistration(status string, code uint32, duration time.Duration) {
	RegisterMetrics()
	registrations.WithLabelValues(status, codeLabel(code)).Inc()
	registerDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func SetWritersActive(n int) {
	RegisterMetrics()
	writersActive.Set(float64(n))
}

func RecordRelayed() {
	RegisterMetrics()
	recordsRelayed.Inc()
}

func RecordDropped(reason string) {
	RegisterMetrics()
	recordsDropped.WithLabelValues(reason).Inc()
}

// ServeMetrics exposes the default registry on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("observability.ServeMetrics listening")
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func codeLabel(code uint32) string {
	switch {
	case code == 0:
		return "0"
	case code < 2000:
		return "1xxx"
	case code < 3000:
		return "2xxx"
	default:
		return "3xxx"
	}
}
