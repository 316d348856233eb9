package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/events"
	"tradeloop/models"
	"tradeloop/store"
)

// Controller states. Persisted strategy status is a separate, coarser
// signal owned by the API layer.
type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateWaitingRunning State = "WAITING_RUNNING"
	StateRunning        State = "RUNNING"
	StateStopped        State = "STOPPED"
)

const waitPollInterval = time.Second

// Controller owns one strategy's lifecycle: wait for the RUNNING flip,
// loop decision cycles with write-through persistence, and wind down with
// a recorded stop reason.
type Controller struct {
	rt          *Runtime
	strategies  *store.StrategyStore
	snapshots   *store.SnapshotStore
	cycles      *store.CycleStore
	details     *store.DetailStore
	hub         *events.Hub
	waitTimeout time.Duration
	log         zerolog.Logger

	mu    sync.Mutex
	state State

	// AfterCycle runs after each persisted cycle; tests hook it.
	AfterCycle func(*models.DecisionCycleResult)
}

func NewController(rt *Runtime, hub *events.Hub, waitTimeout time.Duration, log zerolog.Logger) *Controller {
	if waitTimeout <= 0 {
		waitTimeout = 300 * time.Second
	}
	return &Controller{
		rt:          rt,
		strategies:  store.NewStrategyStore(),
		snapshots:   store.NewSnapshotStore(),
		cycles:      store.NewCycleStore(),
		details:     store.NewDetailStore(),
		hub:         hub,
		waitTimeout: waitTimeout,
		log:         log.With().Str("component", "controller").Str("strategy_id", rt.StrategyID).Logger(),
		state:       StateInitializing,
	}
}

// PortfolioView exposes the live accounting state for read endpoints.
func (c *Controller) PortfolioView() *models.PortfolioView {
	return c.rt.Portfolio.View()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the full lifecycle and blocks until the strategy stops.
func (c *Controller) Run(ctx context.Context) {
	id := c.rt.StrategyID
	stopReason := models.StopNormalExit

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("controller panicked")
			stopReason = models.StopError
		}
		c.finalize(stopReason)
	}()

	// Initial snapshot, skipped when one already exists (resume).
	if has, err := c.snapshots.HasAnyView(id); err != nil {
		c.log.Warn().Err(err).Msg("initial snapshot check failed")
	} else if !has {
		c.persistSnapshot()
	}

	if !c.waitForRunning(ctx) {
		if ctx.Err() != nil {
			stopReason = models.StopCancelled
			return
		}
		// Returning here matches falling through to the loop: its gate is
		// the same IsRunning check that just timed out as false, so the
		// loop body would never run either way.
		c.log.Warn().Msg("wait-for-running timed out, strategy never started")
		return
	}

	c.setState(StateRunning)
	c.hub.Broadcast(events.Event{Type: events.TypeStatus, StrategyID: id, Message: "running"})

	for c.strategies.IsRunning(id) {
		if ctx.Err() != nil {
			stopReason = models.StopCancelled
			break
		}

		result, err := c.runCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stopReason = models.StopCancelled
				break
			}
			// Every per-cycle failure is recoverable; the next cycle retries.
			c.log.Error().Err(err).Msg("cycle failed")
			c.hub.Broadcast(events.Event{Type: events.TypeError, StrategyID: id, Message: err.Error()})
		} else {
			c.persistCycle(result)
			c.hub.Broadcast(events.Event{
				Type:       events.TypeCycle,
				StrategyID: id,
				Message:    result.ComposeID,
				Data: map[string]interface{}{
					"total_value":    result.Portfolio.TotalValue,
					"realized_pnl":   result.Portfolio.TotalRealizedPnL,
					"unrealized_pnl": result.Portfolio.TotalUnrealizedPnL,
					"instructions":   len(result.Instructions),
					"trades":         len(result.Trades),
				},
			})
			if c.AfterCycle != nil {
				c.AfterCycle(result)
			}
		}

		select {
		case <-ctx.Done():
			stopReason = models.StopCancelled
		case <-time.After(c.rt.Interval):
		}
		if stopReason == models.StopCancelled {
			break
		}
	}

	if stopReason == models.StopNormalExit {
		if err := c.closeAll(ctx); err != nil {
			c.log.Error().Err(err).Msg("close-all failed")
			stopReason = models.StopErrorClosingPos
		}
	}
}

// waitForRunning polls persistence until the API flips the row to RUNNING.
func (c *Controller) waitForRunning(ctx context.Context) bool {
	c.setState(StateWaitingRunning)
	deadline := time.Now().Add(c.waitTimeout)
	for time.Now().Before(deadline) {
		if c.strategies.IsRunning(c.rt.StrategyID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(waitPollInterval):
		}
	}
	return c.strategies.IsRunning(c.rt.StrategyID)
}

// runCycle isolates one cycle so a panic inside it cannot kill the loop.
func (c *Controller) runCycle(ctx context.Context) (result *models.DecisionCycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return c.rt.Coordinator.RunOnce(ctx)
}

// persistCycle writes the cycle through in a fixed order: compose cycle,
// instructions, trades, snapshot. Failures are logged, retried once and
// then swallowed; they never stop the loop.
func (c *Controller) persistCycle(result *models.DecisionCycleResult) {
	id := c.rt.StrategyID

	cycleIndex, err := c.cycles.NextCycleIndex(id)
	if err != nil {
		c.log.Warn().Err(err).Msg("cycle index read failed")
		cycleIndex = result.TS
	}

	rationale := result.Rationale
	if result.Summary != nil && result.Summary.Rationale != "" {
		rationale = result.Summary.Rationale
	}
	c.tryPersist("compose cycle", func() error {
		return c.cycles.SaveCycle(id, result.ComposeID, result.TS, cycleIndex, rationale)
	})
	c.tryPersist("instructions", func() error {
		return c.cycles.SaveInstructions(id, result.Instructions)
	})
	for _, t := range result.Trades {
		t := t
		c.tryPersist("trade "+t.TradeID, func() error { return c.details.Save(id, t) })
	}
	for _, t := range result.Updated {
		t := t
		c.tryPersist("trade update "+t.TradeID, func() error { return c.details.Save(id, t) })
	}
	c.persistSnapshot()
}

// tryPersist runs a write with one retry before giving up for the cycle.
func (c *Controller) tryPersist(what string, fn func() error) {
	if err := fn(); err != nil {
		c.log.Warn().Err(err).Str("write", what).Msg("persistence failed, retrying once")
		if err := fn(); err != nil {
			c.log.Error().Err(err).Str("write", what).Msg("persistence failed")
		}
	}
}

func (c *Controller) persistSnapshot() {
	view := c.rt.Portfolio.View()
	c.tryPersist("portfolio snapshot", func() error {
		return c.snapshots.SaveView(c.rt.StrategyID, view)
	})
}

func (c *Controller) closeAll(ctx context.Context) error {
	// A cancelled context must not block position closure; give the
	// close-all its own deadline.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()

	trades, err := c.rt.Coordinator.CloseAllPositions(closeCtx)
	for _, t := range trades {
		t := t
		c.tryPersist("close-all trade "+t.TradeID, func() error {
			return c.details.Save(c.rt.StrategyID, t)
		})
	}
	return err
}

// finalize always runs: release the gateway, persist the last snapshot and
// record the stop reason.
func (c *Controller) finalize(stopReason models.StopReason) {
	id := c.rt.StrategyID

	if err := c.rt.Gateway.Close(); err != nil {
		c.log.Warn().Err(err).Msg("gateway close failed")
	}
	c.rt.Source.Close()

	c.persistSnapshot()
	c.tryPersist("final status", func() error {
		return c.strategies.SetStatus(id, models.StatusStopped)
	})
	c.tryPersist("stop reason", func() error {
		return c.strategies.SetMetadataField(id, "stop_reason", string(stopReason))
	})

	c.setState(StateStopped)
	c.hub.Broadcast(events.Event{
		Type:       events.TypeStatus,
		StrategyID: id,
		Message:    "stopped",
		Data:       map[string]interface{}{"stop_reason": string(stopReason)},
	})
	c.log.Info().Str("stop_reason", string(stopReason)).Msg("strategy stopped")
}
