/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics declares the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridmesh"

var (
	ObligationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "obligations",
		Name:      "created_total",
		Help:      "Obligations admitted to the engine, by type.",
	}, []string{"type"})

	ObligationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "obligations",
		Name:      "completed_total",
		Help:      "Obligations that reached Completed, by type.",
	}, []string{"type"})

	ObligationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "obligations",
		Name:      "failed_total",
		Help:      "Obligations that reached Failed, by type.",
	}, []string{"type"})

	ObligationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "obligations",
		Name:      "retries_total",
		Help:      "Handler retries scheduled, by type.",
	}, []string{"type"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "obligations",
		Name:      "handler_duration_seconds",
		Help:      "Handler execution latency, by type.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"type"})

	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "decisions_total",
		Help:      "Placement decisions, labeled by outcome (placed, no_capacity).",
	}, []string{"outcome"})

	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "nodes",
		Name:      "online",
		Help:      "Nodes currently considered online.",
	})

	CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "queue_depth",
		Help:      "Commands queued per node awaiting delivery.",
	}, []string{"node"})

	CommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "expired_total",
		Help:      "Commands that expired before acknowledgment.",
	})

	UsageRecordsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "usage_records_flushed_total",
		Help:      "Usage records flushed from the accrual buffer.",
	})

	SettlementPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "settled_points_total",
		Help:      "Compute points settled on chain, by outcome.",
	}, []string{"outcome"})

	AttestationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "attestation_checks_total",
		Help:      "Attestation gate lookups, by result (valid, invalid, error).",
	}, []string{"result"})

	SystemVMReconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sysvm",
		Name:      "reconciles_total",
		Help:      "System VM reconcile actions, by role and action.",
	}, []string{"role", "action"})
)
