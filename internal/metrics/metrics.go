// Package metrics holds the Prometheus collectors of the event builder and
// serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FragmentsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_fragments_received_total",
		Help: "Fragments delivered to workers, by kind",
	}, []string{"kind"})

	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_records_dropped_total",
		Help: "Capture records dropped before reaching a worker, by reason",
	}, []string{"reason"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_protocol_errors_total",
		Help: "Fragments rejected for violating the delivery protocol, by worker",
	}, []string{"worker"})

	Stage1Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_stage1_verdicts_total",
		Help: "Stage 1 decisions by trigger type (high byte of the trigger word, 0 is rejected)",
	}, []string{"trigger_type"})

	Stage2Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_stage2_verdicts_total",
		Help: "Stage 2 decisions by outcome",
	}, []string{"outcome"})

	TriggerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_trigger_errors_total",
		Help: "Trigger expression evaluation failures, by stage",
	}, []string{"stage"})

	AuxiliaryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_auxiliary_requests_total",
		Help: "Auxiliary data requests, by result",
	}, []string{"result"})

	StoredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbuilder_stored_events_total",
		Help: "Accepted events handed to storage, by result",
	}, []string{"result"})

	StoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbuilder_stored_bytes_total",
		Help: "Bytes written to storage files after compression",
	})

	BurstBoundaries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbuilder_burst_boundaries_total",
		Help: "End-of-burst broadcasts sent",
	})

	CurrentBurst = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbuilder_current_burst",
		Help: "Current burst identifier",
	})

	PoolOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventbuilder_pool_occupied_slots",
		Help: "Occupied event pool slots, by worker",
	}, []string{"worker"})
)

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		return nil
	}
}
