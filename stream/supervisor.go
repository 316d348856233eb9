package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/config"
	"tradeloop/events"
	"tradeloop/models"
	"tradeloop/store"
)

// Supervisor owns every strategy task in the process. It creates runtimes,
// launches controllers on their own goroutines and restores RUNNING
// strategies after a restart.
type Supervisor struct {
	cfg        *config.Config
	hub        *events.Hub
	strategies *store.StrategyStore
	snapshots  *store.SnapshotStore
	prompts    *store.PromptStore
	log        zerolog.Logger

	mu      sync.Mutex
	running map[string]*strategyTask
	wg      sync.WaitGroup
}

type strategyTask struct {
	controller *Controller
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSupervisor(cfg *config.Config, hub *events.Hub, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		hub:        hub,
		strategies: store.NewStrategyStore(),
		snapshots:  store.NewSnapshotStore(),
		prompts:    store.NewPromptStore(),
		log:        log.With().Str("component", "supervisor").Logger(),
		running:    make(map[string]*strategyTask),
	}
}

// CreateStrategy persists a new strategy and launches its controller. The
// controller waits for the API layer to flip the status to RUNNING.
func (s *Supervisor) CreateStrategy(req *models.UserRequest) (string, error) {
	rt, err := BuildRuntime(s.cfg, req, s.prompts, 0, s.log)
	if err != nil {
		return "", err
	}

	err = s.strategies.Create(&store.Strategy{
		StrategyID:  rt.StrategyID,
		Name:        req.Name,
		Description: req.Description,
		UserID:      req.UserID,
		Status:      models.StatusCreated,
		// Config keeps credentials so LIVE strategies survive auto-resume;
		// the API layer redacts them on every read.
		Config: req,
	})
	if err != nil {
		rt.Gateway.Close()
		return "", fmt.Errorf("failed to persist strategy: %w", err)
	}

	s.launch(rt)
	return rt.StrategyID, nil
}

// StartStrategy flips the persisted status so the waiting controller
// enters its loop. A stopped strategy gets a fresh controller first.
func (s *Supervisor) StartStrategy(strategyID string) error {
	st, err := s.strategies.Get(strategyID)
	if err != nil {
		return fmt.Errorf("strategy %s not found: %w", strategyID, err)
	}

	s.mu.Lock()
	_, alive := s.running[strategyID]
	s.mu.Unlock()
	if !alive {
		if err := s.resume(st, 0); err != nil {
			return err
		}
	}
	return s.strategies.SetStatus(strategyID, models.StatusRunning)
}

// StopStrategy requests a graceful stop: the loop observes the status flip
// and winds down with NORMAL_EXIT semantics.
func (s *Supervisor) StopStrategy(strategyID string) error {
	if err := s.strategies.SetStatus(strategyID, models.StatusStopped); err != nil {
		return err
	}
	return nil
}

// DeleteStrategy stops the task, waits for it to wind down and removes all
// persisted rows (cascading).
func (s *Supervisor) DeleteStrategy(strategyID string) error {
	s.mu.Lock()
	task := s.running[strategyID]
	s.mu.Unlock()

	if task != nil {
		if err := s.strategies.SetStatus(strategyID, models.StatusStopped); err != nil {
			s.log.Warn().Err(err).Str("strategy_id", strategyID).Msg("stop before delete failed")
		}
		task.cancel()
		select {
		case <-task.done:
		case <-time.After(90 * time.Second):
			s.log.Warn().Str("strategy_id", strategyID).Msg("task did not wind down before delete")
		}
	}
	return s.strategies.Delete(strategyID)
}

// Controller exposes the live controller for status endpoints; nil when
// the strategy has no running task.
func (s *Supervisor) Controller(strategyID string) *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task := s.running[strategyID]; task != nil {
		return task.controller
	}
	return nil
}

// AutoResume restarts every strategy whose persisted status is RUNNING,
// recovering capital and positions from the latest snapshot.
func (s *Supervisor) AutoResume() {
	stale, err := s.strategies.ListByStatus(models.StatusRunning)
	if err != nil {
		s.log.Error().Err(err).Msg("auto-resume enumeration failed")
		return
	}
	for _, st := range stale {
		if err := s.resume(st, 0); err != nil {
			s.log.Error().Err(err).Str("strategy_id", st.StrategyID).Msg("auto-resume failed")
			continue
		}
		s.log.Info().Str("strategy_id", st.StrategyID).Msg("strategy resumed")
	}
}

// resume rebuilds a runtime from a persisted row. Initial capital is
// recovered from the latest snapshot: total_value first, then cash, then
// the configured capital.
func (s *Supervisor) resume(st *store.Strategy, capitalOverride float64) error {
	req := st.Config
	req.StrategyID = st.StrategyID

	capital := capitalOverride
	var snapshot *models.PortfolioView
	if capital <= 0 {
		view, err := s.snapshots.LatestView(st.StrategyID)
		if err != nil {
			s.log.Warn().Err(err).Str("strategy_id", st.StrategyID).Msg("snapshot recovery failed")
		} else if view != nil {
			snapshot = view
			switch {
			case view.TotalValue > 0:
				capital = view.TotalValue
			case view.AccountBalance > 0:
				capital = view.AccountBalance
			}
		}
	}

	rt, err := BuildRuntime(s.cfg, req, s.prompts, capital, s.log)
	if err != nil {
		return err
	}
	if snapshot != nil {
		snapshot.Constraints = req.Constraints
		rt.Portfolio.Restore(snapshot)
	}

	s.launch(rt)
	return nil
}

func (s *Supervisor) launch(rt *Runtime) {
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := NewController(rt, s.hub, time.Duration(s.cfg.WaitRunningSec)*time.Second, s.log)
	task := &strategyTask{controller: ctrl, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[rt.StrategyID] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(task.done)
		defer func() {
			s.mu.Lock()
			delete(s.running, rt.StrategyID)
			s.mu.Unlock()
		}()
		ctrl.Run(ctx)
	}()
}

// Shutdown cancels every task and waits for wind-down.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for _, task := range s.running {
		task.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
