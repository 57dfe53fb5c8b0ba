package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flow and token counters, labelled by grant type.
var (
	flowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diracx",
		Subsystem: "auth",
		Name:      "flows_started_total",
		Help:      "Number of authorization flows initiated.",
	}, []string{"grant"})

	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diracx",
		Subsystem: "auth",
		Name:      "tokens_issued_total",
		Help:      "Number of DIRAC tokens issued.",
	}, []string{"grant"})

	upstreamFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diracx",
		Subsystem: "auth",
		Name:      "upstream_failures_total",
		Help:      "Number of failed interactions with upstream identity providers.",
	})
)
