package stream

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/config"
	"tradeloop/events"
	"tradeloop/market"
	"tradeloop/models"
	"tradeloop/store"
)

func TestMain(m *testing.M) {
	if err := store.Init(":memory:"); err != nil {
		fmt.Fprintln(os.Stderr, "store init:", err)
		os.Exit(1)
	}
	code := m.Run()
	store.Close()
	os.Exit(code)
}

func testConfig() *config.Config {
	return &config.Config{
		PaperFeeBps:      0,
		PaperSlippageBps: 0,
		WaitRunningSec:   2,
		LogLevel:         "disabled",
	}
}

func gridRequest(id string) *models.UserRequest {
	return &models.UserRequest{
		StrategyID:        id,
		Name:              "grid test",
		Symbols:           []string{"BTC-USDT"},
		TradingMode:       models.ModeVirtual,
		MarketType:        models.MarketSwap,
		InitialCapital:    10_000,
		DecideIntervalSec: 1,
		Constraints:       models.Constraints{MaxLeverage: 2},
		Composer:          models.ComposerGrid,
		Grid:              &models.GridParams{StepPct: 1.0, BaseFraction: 0.1},
	}
}

func newTestSupervisor() *Supervisor {
	hub := events.NewHub(zerolog.Nop())
	go hub.Run()
	return NewSupervisor(testConfig(), hub, zerolog.Nop())
}

func TestBuildRuntimeDefaults(t *testing.T) {
	req := gridRequest("")
	req.StrategyID = ""
	rt, err := BuildRuntime(testConfig(), req, nil, 0, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Gateway.Close()

	assert.NotEmpty(t, rt.StrategyID)
	assert.Equal(t, rt.StrategyID, req.StrategyID)
	assert.Equal(t, time.Second, rt.Interval)
	assert.InDelta(t, 10_000, rt.Portfolio.View().AccountBalance, 1e-9)
}

func TestBuildRuntimeCapitalOverride(t *testing.T) {
	rt, err := BuildRuntime(testConfig(), gridRequest("cap-1"), nil, 12_345.67, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Gateway.Close()

	assert.Equal(t, "cap-1", rt.StrategyID)
	assert.InDelta(t, 12_345.67, rt.Portfolio.View().AccountBalance, 1e-9)
}

func TestBuildRuntimeRequiresSymbols(t *testing.T) {
	req := gridRequest("sym-1")
	req.Symbols = nil
	_, err := BuildRuntime(testConfig(), req, nil, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildRuntimeLiveNeedsCredentials(t *testing.T) {
	req := gridRequest("live-1")
	req.TradingMode = models.ModeLive
	_, err := BuildRuntime(testConfig(), req, nil, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildRuntimeUncoveredVenueReadsThroughGateway(t *testing.T) {
	req := gridRequest("live-2")
	req.TradingMode = models.ModeLive
	req.Exchange = "kraken"
	req.Testnet = true
	req.APIKey = "k"
	req.SecretKey = "s"
	rt, err := BuildRuntime(testConfig(), req, nil, 0, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Gateway.Close()

	assert.IsType(t, &market.GatewaySource{}, rt.Source)
}

func TestBuildRuntimeCoveredVenueUsesPublicSource(t *testing.T) {
	req := gridRequest("live-3")
	req.TradingMode = models.ModeLive
	req.Exchange = "binance"
	req.Testnet = true
	req.APIKey = "k"
	req.SecretKey = "s"
	rt, err := BuildRuntime(testConfig(), req, nil, 0, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Gateway.Close()

	assert.IsType(t, &market.PublicSource{}, rt.Source)
}

func waitForState(t *testing.T, s *Supervisor, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Controller(id) == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("strategy %s did not wind down", id)
}

func TestAutoResumeRecoversCapitalAndID(t *testing.T) {
	id := "resume-1"
	req := gridRequest(id)

	strategies := store.NewStrategyStore()
	require.NoError(t, strategies.Create(&store.Strategy{
		StrategyID: id,
		Name:       req.Name,
		Status:     models.StatusRunning, // left RUNNING by a crash
		Config:     req,
	}))

	// The last persisted snapshot carries the recovered capital.
	snapshots := store.NewSnapshotStore()
	require.NoError(t, snapshots.SaveView(id, &models.PortfolioView{
		TS:             1000,
		AccountBalance: 12_345.67,
		TotalValue:     12_345.67,
		Positions:      map[string]*models.PositionSnapshot{},
	}))

	s := newTestSupervisor()
	s.AutoResume()

	ctrl := s.Controller(id)
	require.NotNil(t, ctrl, "resumed strategy must have a live controller")

	view := ctrl.PortfolioView()
	assert.InDelta(t, 12_345.67, view.AccountBalance, 1e-6)
	assert.InDelta(t, 12_345.67, view.TotalValue, 1e-6)

	// The pre-existing snapshot suppresses a duplicate initial write at TS
	// 1000; the loop only adds snapshots with fresh timestamps.
	require.NoError(t, s.StopStrategy(id))
	waitForState(t, s, id, 30*time.Second)

	st, err := strategies.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, st.Status)
	assert.Contains(t, []interface{}{"NORMAL_EXIT", "CANCELLED"}, st.Metadata["stop_reason"])

	s.Shutdown()
}

func TestWaitForRunningTimeout(t *testing.T) {
	id := "timeout-1"
	s := newTestSupervisor()

	req := gridRequest(id)
	created, err := s.CreateStrategy(req)
	require.NoError(t, err)
	assert.Equal(t, id, created)

	// Never started: the controller gives up after the wait window and
	// winds down without trading.
	waitForState(t, s, id, 30*time.Second)

	st, err := store.NewStrategyStore().Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, st.Status)

	details, err := store.NewDetailStore().List(id, 10)
	require.NoError(t, err)
	assert.Empty(t, details)

	s.Shutdown()
}

func TestStartStopLifecycle(t *testing.T) {
	id := "life-1"
	s := newTestSupervisor()

	_, err := s.CreateStrategy(gridRequest(id))
	require.NoError(t, err)
	require.NotNil(t, s.Controller(id))

	require.NoError(t, s.StartStrategy(id))
	assert.True(t, store.NewStrategyStore().IsRunning(id))

	require.NoError(t, s.StopStrategy(id))
	waitForState(t, s, id, 30*time.Second)
	assert.False(t, store.NewStrategyStore().IsRunning(id))

	// An initial snapshot exists even though the strategy never traded.
	has, err := store.NewSnapshotStore().HasAnyView(id)
	require.NoError(t, err)
	assert.True(t, has)

	s.Shutdown()
}
