package breaker

import (
	"sort"
	"time"
)

// ProviderBreakerState is the per-provider health state.
type ProviderBreakerState string

const (
	ProviderClosed   ProviderBreakerState = "closed"
	ProviderOpen     ProviderBreakerState = "open"
	ProviderHalfOpen ProviderBreakerState = "half_open"
)

// Provider health thresholds.
const (
	minHealthSamples = 5
	maxErrorRate     = 0.5
	maxP99Latency    = 30 * time.Second
)

type callRecord struct {
	at      time.Time
	latency time.Duration
	success bool
}

type providerState struct {
	state       ProviderBreakerState
	calls       []callRecord
	openedAt    time.Time
	lastProbeAt time.Time
}

// RecordProviderCall feeds one provider call into the rolling window and
// advances the provider's breaker state machine.
func (b *Breaker) RecordProviderCall(providerID string, latency time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.providers[providerID]
	if ps == nil {
		ps = &providerState{state: ProviderClosed}
		b.providers[providerID] = ps
	}
	b.refreshProviderLocked(ps)

	now := b.now()
	ps.calls = append(ps.calls, callRecord{at: now, latency: latency, success: success})
	b.pruneWindowLocked(ps)

	switch ps.state {
	case ProviderHalfOpen:
		// The probe decides: recover or re-open.
		ps.lastProbeAt = now
		if success {
			ps.state = ProviderClosed
		} else {
			ps.state = ProviderOpen
			ps.openedAt = now
		}
	case ProviderClosed:
		if b.windowUnhealthyLocked(ps) {
			ps.state = ProviderOpen
			ps.openedAt = now
		}
	}
}

// IsProviderHealthy returns false only for open providers; half_open allows
// a probe through.
func (b *Breaker) IsProviderHealthy(providerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.providers[providerID]
	if ps == nil {
		return true
	}
	b.refreshProviderLocked(ps)
	return ps.state != ProviderOpen
}

// ProviderState reports the current breaker state for a provider. Providers
// never seen are closed.
func (b *Breaker) ProviderState(providerID string) ProviderBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.providers[providerID]
	if ps == nil {
		return ProviderClosed
	}
	b.refreshProviderLocked(ps)
	return ps.state
}

func (b *Breaker) refreshProviderLocked(ps *providerState) {
	if ps.state == ProviderOpen && b.now().Sub(ps.openedAt) >= b.cfg.RecoveryDelay {
		ps.state = ProviderHalfOpen
	}
}

func (b *Breaker) pruneWindowLocked(ps *providerState) {
	cutoff := b.now().Add(-b.cfg.ProviderWindow)
	idx := 0
	for idx < len(ps.calls) && ps.calls[idx].at.Before(cutoff) {
		idx++
	}
	ps.calls = ps.calls[idx:]
}

func (b *Breaker) windowUnhealthyLocked(ps *providerState) bool {
	if len(ps.calls) < minHealthSamples {
		return false
	}
	failures := 0
	latencies := make([]time.Duration, 0, len(ps.calls))
	for _, c := range ps.calls {
		if !c.success {
			failures++
		}
		latencies = append(latencies, c.latency)
	}
	if float64(failures)/float64(len(ps.calls)) >= maxErrorRate {
		return true
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p99Idx := (len(latencies)*99 + 99) / 100
	if p99Idx > len(latencies) {
		p99Idx = len(latencies)
	}
	return latencies[p99Idx-1] >= maxP99Latency
}
