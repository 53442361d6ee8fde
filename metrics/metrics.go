// Package metrics holds the diagnostic counters of graph construction and
// reduced search. None of them influence a decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gopor"

var (
	DependencePairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dependence_pairs_total",
		Help:      "Node pairs classified by the dependence graph builder, by constraint kind.",
	}, []string{"kind"})

	UnmatchedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmatched_blocks_total",
		Help:      "Block-start transitions without a matching block end.",
	})

	Entailments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entailment_total",
		Help:      "Guard entailment queries, by result.",
	}, []string{"result"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Keep/prune decisions, by strategy and decision.",
	}, []string{"strategy", "decision"})

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Reduction invariant violations surfaced during search.",
	})

	States = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "explored_states_total",
		Help:      "Search nodes expanded by the explorer, by strategy.",
	}, []string{"strategy"})
)
