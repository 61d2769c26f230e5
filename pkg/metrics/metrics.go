/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type FsmMetrics struct {
	ProcessesStarted metric.Int64Counter
	LiveProcesses    metric.Int64UpDownCounter
	Setups           metric.Int64Counter
	SetupDuration    metric.Float64Histogram
	Quiescences      metric.Int64Counter
}

var (
	fsmMetrics     *FsmMetrics
	fsmMetricsLock sync.Mutex
)

func GetFsmMetrics() *FsmMetrics {
	fsmMetricsLock.Lock()

	if fsmMetrics != nil {
		fsmMetricsLock.Unlock()
		return fsmMetrics
	}

	fsmMetrics = newFsmMetrics()

	fsmMetricsLock.Unlock()
	return fsmMetrics
}

func newFsmMetrics() *FsmMetrics {
	meter := otel.Meter("com.couchbaselabs.fsmcluster")

	processesStarted, _ := meter.Int64Counter("fsm_processes_started_total")
	liveProcesses, _ := meter.Int64UpDownCounter("fsm_live_processes")
	setups, _ := meter.Int64Counter("fsm_setups_total")
	setupDuration, _ := meter.Float64Histogram("fsm_setup_duration_seconds",
		metric.WithUnit("s"))
	quiescences, _ := meter.Int64Counter("fsm_replication_quiescence_total")

	return &FsmMetrics{
		ProcessesStarted: processesStarted,
		LiveProcesses:    liveProcesses,
		Setups:           setups,
		SetupDuration:    setupDuration,
		Quiescences:      quiescences,
	}
}
