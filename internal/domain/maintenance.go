package domain

import (
	"context"
	"time"
)

// Maintenance loop intervals. The loop is mostly idle; periodic work is
// driven by the scheduler ticks, this thread only covers startup tasks
// and future local housekeeping.
const (
	maintenanceInitialDelay = 5 * time.Second
	maintenanceInterval     = 30 * time.Second
)

// RunMaintenance blocks until ctx is cancelled. It waits a short grace
// period after startup, then wakes on a fixed interval.
func (m *Manager) RunMaintenance(ctx context.Context) {
	m.log.Info().Msg("maintenance thread started")
	defer m.log.Info().Msg("maintenance thread stopped")

	select {
	case <-ctx.Done():
		return
	case <-time.After(maintenanceInitialDelay):
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Regenerating() {
				continue
			}
			// Idle cycle. Periodic jobs land here when they cannot be
			// expressed as scheduler ticks.
		}
	}
}
