package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type settlementMetrics struct {
	mu       sync.Mutex
	outcomes map[string]uint64
	duration *histogram
}

var settlementCollector = &settlementMetrics{
	outcomes: make(map[string]uint64),
	duration: newHistogram(),
}

// ObserveSettlement records the outcome and duration of one settlement attempt.
// Outcome values mirror the terminal trade states plus "replayed" for
// idempotent re-reads of an existing receipt.
func ObserveSettlement(outcome string, duration time.Duration) {
	settlementCollector.mu.Lock()
	defer settlementCollector.mu.Unlock()
	settlementCollector.outcomes[outcome]++
	settlementCollector.duration.observe(duration.Seconds())
}

func (s *settlementMetrics) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]string, 0, len(s.outcomes))
	for outcome := range s.outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	var builder strings.Builder
	builder.WriteString("# HELP walta_settlements_total Total number of settlement attempts by outcome.\n")
	builder.WriteString("# TYPE walta_settlements_total counter\n")
	for _, outcome := range outcomes {
		builder.WriteString(fmt.Sprintf("walta_settlements_total{outcome=\"%s\"} %d\n",
			escape(outcome), s.outcomes[outcome]))
	}

	builder.WriteString("# HELP walta_settlement_duration_seconds Settlement duration in seconds.\n")
	builder.WriteString("# TYPE walta_settlement_duration_seconds histogram\n")
	for idx, bound := range s.duration.buckets {
		builder.WriteString(fmt.Sprintf("walta_settlement_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), s.duration.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("walta_settlement_duration_seconds_bucket{le=\"+Inf\"} %d\n", s.duration.count))
	builder.WriteString(fmt.Sprintf("walta_settlement_duration_seconds_sum %s\n", formatFloat(s.duration.sum)))
	builder.WriteString(fmt.Sprintf("walta_settlement_duration_seconds_count %d\n", s.duration.count))
	return builder.String()
}
