package service

import (
	"context"
	"errors"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/failure"

	"github.com/rs/zerolog"
)

const defaultProbeInterval = 30 * time.Second

// Prober reports whether the upstream answers.
type Prober interface {
	IsAvailable(ctx context.Context) bool
}

// NetworkMonitor probes the upstream and reports connectivity transitions to
// the dispatcher and any listeners.
type NetworkMonitor struct {
	prober     Prober
	dispatcher *Dispatcher
	interval   time.Duration
	listeners  []func(online bool)
	logger     *zerolog.Logger
	known      bool
	online     bool
}

func NewNetworkMonitor(prober Prober, dispatcher *Dispatcher, interval time.Duration, logger *zerolog.Logger) *NetworkMonitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &NetworkMonitor{
		prober:     prober,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
	}
}

// OnChange registers fn for every transition. Call before Run.
func (m *NetworkMonitor) OnChange(fn func(online bool)) {
	m.listeners = append(m.listeners, fn)
}

// Run probes once immediately and then every interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks the upstream once and reports whether it was reachable.
func (m *NetworkMonitor) Probe(ctx context.Context) bool {
	online := m.prober.IsAvailable(ctx)
	if m.known && online == m.online {
		return online
	}
	m.known = true
	m.online = online

	m.logger.Info().Bool("online", online).Msg("Upstream connectivity changed")
	for _, fn := range m.listeners {
		fn(online)
	}
	if m.dispatcher != nil {
		if _, err := m.dispatcher.NetworkChanged(ctx, online); err != nil && !errors.Is(err, failure.ErrCycleInProgress) {
			m.logger.Warn().Err(err).Msg("Network-triggered synchronization failed")
		}
	}
	return online
}
