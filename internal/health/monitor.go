// Package health aggregates ledger events into a network health report:
// agent counts, interaction volume, latency, slashing incidents, and a
// coarse performance trend over a requested time window.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/registry/internal/events"
	"github.com/agentmesh/registry/internal/ledger"
)

// Report is a snapshot of network condition over one window.
type Report struct {
	Window            string    `json:"window"`
	GeneratedAt       time.Time `json:"generatedAt"`
	TotalAgents       int       `json:"totalAgents"`
	TotalInteractions int       `json:"totalInteractions"`
	SlashingIncidents int       `json:"slashingIncidents"`
	AverageLatencyMs  float64   `json:"averageLatency"`
	SuccessRate       float64   `json:"successRate"`
	UptimeSeconds     float64   `json:"networkUptime"`
	PerformanceTrend  string    `json:"performanceTrend"` // improving, stable, degrading
	LiveInvocations   int64     `json:"liveInvocations"`
	LiveFailures      int64     `json:"liveFailures"`
	Alerts            []string  `json:"alerts"`
}

// Monitor reads the ledger for historical signals and counts live
// invocation outcomes off the event bus.
type Monitor struct {
	chain     ledger.Client
	startedAt time.Time
	floor     float64

	mu          sync.Mutex
	invocations int64
	failures    int64
	unsubscribe func()
}

// NewMonitor builds a Monitor. When a bus is provided it subscribes to
// invocation outcomes for live counters. Agents whose mean rating in the
// window falls below reliabilityFloor raise an alert; zero disables the
// check.
func NewMonitor(chain ledger.Client, bus events.Bus, reliabilityFloor float64) *Monitor {
	m := &Monitor{chain: chain, startedAt: time.Now(), floor: reliabilityFloor}
	if bus != nil {
		m.unsubscribe = bus.Subscribe(events.TypeInvocationDone, func(_ context.Context, ev *events.Event) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.invocations++
			if status, _ := ev.Payload["status"].(string); status == "failed" {
				m.failures++
			}
			return nil
		})
	}
	return m
}

// Close detaches the monitor from the event bus.
func (m *Monitor) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Snapshot builds a report for the given window, e.g. "24h", "7d", "30d".
// An empty window defaults to 24h.
func (m *Monitor) Snapshot(ctx context.Context, window string) (*Report, error) {
	dur, err := ParseWindow(window)
	if err != nil {
		return nil, err
	}

	height, err := m.chain.Height(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger height: %w", err)
	}
	all, err := m.chain.EventsInRange(ctx, 0, height)
	if err != nil {
		return nil, fmt.Errorf("scan ledger events: %w", err)
	}

	now := time.Now().UTC()
	cutoff := now.Add(-dur)

	type ratingAgg struct {
		sum float64
		n   int
	}
	agents := make(map[string]struct{})
	perAgent := make(map[string]*ratingAgg)
	var interactions, incidents int
	var latencySum float64
	var latencyCount int
	var successes int
	var firstHalfSum, secondHalfSum float64
	var firstHalfN, secondHalfN int
	midpoint := cutoff.Add(dur / 2)

	for _, ev := range all {
		if ev.Type == ledger.EventAgentRegistered {
			agents[ev.AgentID] = struct{}{}
		}
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		switch ev.Type {
		case ledger.EventReputationUpdated:
			interactions++
			if ev.Rating >= 0.5 {
				successes++
			}
			agg := perAgent[ev.AgentID]
			if agg == nil {
				agg = &ratingAgg{}
				perAgent[ev.AgentID] = agg
			}
			agg.sum += ev.Rating
			agg.n++
			if ev.LatencyMs > 0 {
				latencySum += ev.LatencyMs
				latencyCount++
			}
			if ev.Timestamp.Before(midpoint) {
				firstHalfSum += ev.Rating
				firstHalfN++
			} else {
				secondHalfSum += ev.Rating
				secondHalfN++
			}
		case ledger.EventAgentSlashed:
			incidents++
		}
	}

	report := &Report{
		Window:            window,
		GeneratedAt:       now,
		TotalAgents:       len(agents),
		TotalInteractions: interactions,
		SlashingIncidents: incidents,
		UptimeSeconds:     time.Since(m.startedAt).Seconds(),
		PerformanceTrend:  trend(firstHalfSum, firstHalfN, secondHalfSum, secondHalfN),
	}
	if latencyCount > 0 {
		report.AverageLatencyMs = latencySum / float64(latencyCount)
	}
	if interactions > 0 {
		report.SuccessRate = float64(successes) / float64(interactions)
	}

	m.mu.Lock()
	report.LiveInvocations = m.invocations
	report.LiveFailures = m.failures
	m.mu.Unlock()

	report.Alerts = alerts(report)
	if m.floor > 0 {
		low := 0
		for _, agg := range perAgent {
			if agg.n > 0 && agg.sum/float64(agg.n) < m.floor {
				low++
			}
		}
		if low > 0 {
			report.Alerts = append(report.Alerts, fmt.Sprintf("%d agent(s) below reliability floor %.2f", low, m.floor))
		}
	}
	return report, nil
}

// ParseWindow accepts the shorthand forms the report endpoint exposes:
// "Nh" for hours and "Nd" for days. Empty defaults to 24h.
func ParseWindow(window string) (time.Duration, error) {
	if window == "" {
		return 24 * time.Hour, nil
	}
	if strings.HasSuffix(window, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(window, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid time window %q", window)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(window)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("invalid time window %q", window)
	}
	return dur, nil
}

// trend compares mean ratings between the window's two halves. Small
// movements read as stable.
func trend(firstSum float64, firstN int, secondSum float64, secondN int) string {
	if firstN == 0 || secondN == 0 {
		return "stable"
	}
	delta := secondSum/float64(secondN) - firstSum/float64(firstN)
	switch {
	case delta > 0.05:
		return "improving"
	case delta < -0.05:
		return "degrading"
	default:
		return "stable"
	}
}

func alerts(r *Report) []string {
	out := []string{}
	if r.SlashingIncidents > 0 {
		out = append(out, fmt.Sprintf("%d slashing incident(s) in window", r.SlashingIncidents))
	}
	if r.TotalInteractions >= 10 && r.SuccessRate < 0.8 {
		out = append(out, fmt.Sprintf("success rate %.2f below 0.80 threshold", r.SuccessRate))
	}
	if r.TotalInteractions == 0 && r.TotalAgents > 0 {
		out = append(out, "no interactions recorded in window")
	}
	return out
}
