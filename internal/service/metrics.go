package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receiptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_receipts_total",
		Help: "Receipts seen by the till, labeled by parse result",
	}, []string{"result"})

	scansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_scans_total",
		Help: "Customer barcode scans received",
	})

	matchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_matches_total",
		Help: "Scan/receipt pairs matched into purchases",
	})

	unmatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_unmatched_total",
		Help: "Events that aged out of the match window, labeled by kind",
	}, []string{"kind"})

	pointsAwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_points_awarded_total",
		Help: "Loyalty points computed for matched purchases",
	})

	duplicateReceipts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_duplicate_receipts_total",
		Help: "Matched purchases rejected by the store as already recorded",
	})

	storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_store_failures_total",
		Help: "Customer/purchase store operations that failed, labeled by operation",
	}, []string{"op"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_session_transitions_total",
		Help: "Session state entries, labeled by target state",
	}, []string{"state"})
)
