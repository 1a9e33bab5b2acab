// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppMetrics_Counters(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)

	m.CommandsTotal.WithLabelValues("SensorRead").Inc()
	m.CommandsTotal.WithLabelValues("SensorRead").Inc()
	m.UnitQueriesTotal.WithLabelValues("timeout").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("SensorRead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitQueriesTotal.WithLabelValues("timeout")))
}

func TestHandler_Exposes(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)
	m.WatchdogKicks.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "derv_watchdog_kicks_total 1")
}
