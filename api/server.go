package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"tradeloop/events"
	"tradeloop/models"
	"tradeloop/store"
	"tradeloop/stream"
)

// Server is the control plane: strategy lifecycle, persisted read models
// and the SSE event stream.
type Server struct {
	supervisor *stream.Supervisor
	hub        *events.Hub
	strategies *store.StrategyStore
	snapshots  *store.SnapshotStore
	cycles     *store.CycleStore
	details    *store.DetailStore
	prompts    *store.PromptStore
	log        zerolog.Logger
}

func NewServer(supervisor *stream.Supervisor, hub *events.Hub, log zerolog.Logger) *Server {
	return &Server{
		supervisor: supervisor,
		hub:        hub,
		strategies: store.NewStrategyStore(),
		snapshots:  store.NewSnapshotStore(),
		cycles:     store.NewCycleStore(),
		details:    store.NewDetailStore(),
		prompts:    store.NewPromptStore(),
		log:        log.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/strategies", s.handleCreate)
	mux.HandleFunc("GET /api/strategies", s.handleList)
	mux.HandleFunc("GET /api/strategies/{id}", s.handleGet)
	mux.HandleFunc("POST /api/strategies/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/strategies/{id}/stop", s.handleStop)
	mux.HandleFunc("DELETE /api/strategies/{id}", s.handleDelete)

	mux.HandleFunc("GET /api/strategies/{id}/positions", s.handlePositions)
	mux.HandleFunc("GET /api/strategies/{id}/holdings", s.handleHoldings)
	mux.HandleFunc("GET /api/strategies/{id}/account_info", s.handleAccountInfo)
	mux.HandleFunc("GET /api/strategies/{id}/holding_price_curve", s.handleHoldingCurve)
	mux.HandleFunc("GET /api/strategies/{id}/details", s.handleDetails)
	mux.HandleFunc("GET /api/strategies/{id}/cycles", s.handleCycles)

	mux.HandleFunc("GET /api/prompts", s.handlePromptList)
	mux.HandleFunc("PUT /api/prompts/{name}", s.handlePromptUpsert)
	mux.HandleFunc("DELETE /api/prompts/{name}", s.handlePromptDelete)

	mux.Handle("GET /api/events", s.hub)

	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	strategyID, err := s.supervisor.CreateStrategy(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"strategy_id": strategyID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.strategies.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, st := range list {
		out = append(out, strategyJSON(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.strategies.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	writeJSON(w, http.StatusOK, strategyJSON(st))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.StartStrategy(r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusRunning)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.StopStrategy(r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusStopped)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.DeleteStrategy(r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

// handlePositions reads the live in-memory view when the strategy has a
// running task, falling back to persisted holdings.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ctrl := s.supervisor.Controller(id); ctrl != nil {
		view := ctrl.PortfolioView()
		open := make([]*models.PositionSnapshot, 0, len(view.Positions))
		for _, p := range view.Positions {
			if p.IsOpen() {
				open = append(open, p)
			}
		}
		writeJSON(w, http.StatusOK, open)
		return
	}
	s.handleHoldings(w, r)
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.snapshots.Holdings(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if holdings == nil {
		holdings = []*models.PositionSnapshot{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	view, err := s.snapshots.LatestView(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "no snapshot for strategy")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHoldingCurve(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	points, err := s.snapshots.HoldingCurve(r.PathValue("id"), symbol, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if points == nil {
		points = [][2]float64{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	details, err := s.details.List(r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if details == nil {
		details = []*models.TradeHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cycles, err := s.cycles.ListCycles(r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cycles == nil {
		cycles = []*store.ComposeCycle{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handlePromptList(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.prompts.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if prompts == nil {
		prompts = []*store.Prompt{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handlePromptUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if err := s.prompts.Upsert(r.PathValue("name"), body.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name")})
}

func (s *Server) handlePromptDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.prompts.Delete(r.PathValue("name")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("name")})
}

// strategyJSON redacts credentials; they must never leave the process.
func strategyJSON(st *store.Strategy) map[string]interface{} {
	cfg := *st.Config
	cfg.APIKey = ""
	cfg.SecretKey = ""
	return map[string]interface{}{
		"strategy_id": st.StrategyID,
		"name":        st.Name,
		"description": st.Description,
		"user_id":     st.UserID,
		"status":      st.Status,
		"config":      &cfg,
		"metadata":    st.Metadata,
		"created_at":  st.CreatedAt,
		"updated_at":  st.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
