package domain

import (
	"context"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
)

// maxTriggerAge discards scheduler ticks that sat in the queue too
// long, typically after a restart.
const maxTriggerAge = 90 * time.Second

// Sweep schedule, wall clock UTC.
const (
	claimSweepHour   = 9
	claimSweepMinute = 39
)

// HandleTrigger consumes one scheduler tick. Triggers never reply.
func (m *Manager) HandleTrigger(ctx context.Context, msg *bus.Message) error {
	if m.Regenerating() {
		m.log.Debug().Msg("regeneration mode, tick skipped")
		return nil
	}

	tick := msg.Envelope.Timestamp()
	if m.now().Sub(tick) > maxTriggerAge {
		m.log.Debug().Time("tick", tick).Msg("stale tick ignored")
		return nil
	}

	if tick.Hour() == claimSweepHour && tick.Minute() == claimSweepMinute {
		if err := m.ClaimAllFiles(ctx); err != nil {
			m.log.Error().Err(err).Msg("claim sweep failed")
			return err
		}
	}
	return nil
}

// claimBatchSize is the sweep page; the registry confirms one batch at
// a time.
const claimBatchSize = 100

// ClaimAllFiles streams every fuuid referenced from the data collection
// to the topology registry in numbered batches. The final non-empty
// remainder carries done=true so the registry can close the claim
// cycle.
func (m *Manager) ClaimAllFiles(ctx context.Context) error {
	m.log.Debug().Msg("claim sweep start")

	batch := make([]string, 0, claimBatchSize)
	batchNo := 0

	flush := func(done bool) error {
		if err := m.topology.ClaimFiles(ctx, batchNo, done, batch); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.ClaimBatches.Inc()
			m.metrics.ClaimedFiles.Add(float64(len(batch)))
		}
		batchNo++
		batch = batch[:0]
		return nil
	}

	err := m.data.IterateFuuids(ctx, func(fuuid string) error {
		batch = append(batch, fuuid)
		if len(batch) >= claimBatchSize {
			return flush(false)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(batch) > 0 {
		if err := flush(true); err != nil {
			return err
		}
	}

	m.log.Debug().Int("batches", batchNo).Msg("claim sweep done")
	return nil
}
