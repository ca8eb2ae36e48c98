// Package metrics provides Prometheus metrics for monitoring tether components.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	// framesTotal counts frames crossing a channel.
	// Labels:
	//   - direction: "in" or "out"
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_frames_total",
			Help: "Total number of frames sent or received",
		},
		[]string{"direction"},
	)

	// bytesTotal counts wire bytes crossing a channel, headers included.
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_bytes_total",
			Help: "Total number of wire bytes sent or received",
		},
		[]string{"direction"},
	)

	// connectAttemptsTotal counts channel establishment attempts.
	// Labels:
	//   - session: session name (e.g., "main", "runner")
	//   - result: "success", "failure" or "cancelled"
	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_connect_attempts_total",
			Help: "Total number of channel connect attempts",
		},
		[]string{"session", "result"},
	)

	// connectivityChangesTotal counts crossings of the connected boundary.
	connectivityChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_connectivity_changes_total",
			Help: "Total number of transitions into or out of the connected state",
		},
		[]string{"session", "state"},
	)

	// changedPathsTotal counts paths reported by delivered change-sets.
	// Labels:
	//   - kind: "changed" or "removed"
	changedPathsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_changed_paths_total",
			Help: "Total number of paths reported by the folder watcher",
		},
		[]string{"kind"},
	)

	changeSetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_change_sets_total",
			Help: "Total number of non-empty change-sets delivered by the folder watcher",
		},
	)
)

func init() {
	prometheus.MustRegister(framesTotal)
	prometheus.MustRegister(bytesTotal)
	prometheus.MustRegister(connectAttemptsTotal)
	prometheus.MustRegister(connectivityChangesTotal)
	prometheus.MustRegister(changedPathsTotal)
	prometheus.MustRegister(changeSetsTotal)
}

// RecordFrame records one frame of n wire bytes in the given direction.
func RecordFrame(direction string, n int) {
	framesTotal.WithLabelValues(direction).Inc()
	bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordConnectAttempt records the outcome of one connect attempt.
func RecordConnectAttempt(session, result string) {
	connectAttemptsTotal.WithLabelValues(session, result).Inc()
}

// RecordConnectivity records a crossing of the connected boundary.
func RecordConnectivity(session string, connected bool) {
	state := "disconnected"
	if connected {
		state = "connected"
	}
	connectivityChangesTotal.WithLabelValues(session, state).Inc()
}

// RecordChangeSet records one delivered change-set.
func RecordChangeSet(changed, removed int) {
	changeSetsTotal.Inc()
	changedPathsTotal.WithLabelValues("changed").Add(float64(changed))
	changedPathsTotal.WithLabelValues("removed").Add(float64(removed))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
