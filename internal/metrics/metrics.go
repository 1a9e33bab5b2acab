// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRegistry creates a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler exposing reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics are the hub and unit counters
type AppMetrics struct {
	ControllerBytes  prometheus.Counter
	CommandsTotal    *prometheus.CounterVec // labels: kind
	ParseAbortsTotal *prometheus.CounterVec // labels: reason
	UnitQueriesTotal *prometheus.CounterVec // labels: result
	QueryDuration    prometheus.Histogram
	WatchdogKicks    prometheus.Counter
	UnitRepliesTotal *prometheus.CounterVec // labels: code
}

// NewAppMetrics registers and returns the application metrics
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		ControllerBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derv_controller_bytes_total",
			Help: "Bytes received from the controller link.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derv_commands_total",
			Help: "Controller commands served by kind.",
		}, []string{"kind"}),
		ParseAbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derv_parse_aborts_total",
			Help: "Controller frames aborted by reason.",
		}, []string{"reason"}),
		UnitQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derv_unit_queries_total",
			Help: "Per-address unit query outcomes.",
		}, []string{"result"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "derv_unit_query_seconds",
			Help:    "Time from query transmit to reply classification.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 4},
		}),
		WatchdogKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derv_watchdog_kicks_total",
			Help: "Liveness deadline services.",
		}),
		UnitRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derv_unit_replies_total",
			Help: "Replies transmitted by a unit by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.ControllerBytes, m.CommandsTotal, m.ParseAbortsTotal,
		m.UnitQueriesTotal, m.QueryDuration, m.WatchdogKicks, m.UnitRepliesTotal)
	return m
}

// Serve exposes reg on addr at path until ctx is done
func Serve(ctx context.Context, addr, path string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
